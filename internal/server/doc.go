// Package server runs the coven-presence HTTP service for one cluster node.
//
// # Routes
//
//	GET  /health                      liveness, "OK"
//	GET  /health/ready                bucket registry statistics, 503 if the tracking store is down
//	GET  /api/bucket/url?context=C    bucket URL for the tracked session
//	POST /api/bucket/token?context=C  bucket token for the authenticated user
//	GET    /api/bucket?token=T        bucket resolved from a token
//	HEAD   /api/bucket?token=T        200 if the bucket exists, 404 if not, never creates
//	DELETE /api/bucket?token=T        release the bucket, 404 if absent
//
// API requests pass through optional bearer JWT authentication and then
// the cluster tracker, which assigns a tracking cookie to new sessions.
//
// # Errors
//
// Bucket service errors map to JSON {"error": "..."} bodies:
//
//	invalid token          401
//	no cluster identity    428
//	anything else          500
//
// # Clustering
//
// Nodes sharing bucket.signing_secret accept each other's tokens. Nodes
// sharing database.path see each other's tracking records.
package server
