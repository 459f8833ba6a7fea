// Package messagebucket grants time-stamped, signed access to message
// buckets: server-side mailboxes that deliver presence and event
// notifications to one user within one context.
//
// # Flow
//
//  1. A client asks for a bucket URL. BuildBucketURL resolves the cluster
//     user from the request's tracking cookies, mints a token and fills
//     the configured URL template.
//  2. The client later presents the token. GetBucket validates it and
//     returns the bucket for (user, context), creating it on first use.
//
// Tokens minted at different times for the same (user, context) share a
// bucket, so reconnects and page reloads land in the same mailbox.
//
// # Errors
//
// Failures match ErrInvalidToken, ErrNoClusterIdentity or ErrCryptoFailure
// via errors.Is. Tracking store failures are returned wrapped. Nothing is
// retried.
package messagebucket
