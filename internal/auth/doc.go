// Package auth identifies the remote user of bucket HTTP requests.
//
// # JWT Tokens
//
// Browsers and API clients present an HS256 JWT in the Authorization
// header. The "sub" claim is the user ID. Tokens are signed with the
// configured auth.jwt_secret, which must be at least 32 bytes.
//
// # Middleware
//
//	OptionalAuthMiddleware(verifier) // anonymous requests pass through
//	RequireAuthHTTP()                // rejects requests without identity
//
// Handlers read the identity with FromContext, or RemoteUser for the bare
// user ID ("" when anonymous).
//
// These JWTs authenticate the caller. They are unrelated to bucket
// tokens, which are capability tokens minted by package token.
package auth
