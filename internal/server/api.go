// ABOUTME: HTTP handlers for bucket URL, token and lookup endpoints plus health checks
// ABOUTME: Maps bucket service errors onto JSON error responses

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/coven-presence/internal/auth"
	"github.com/2389/coven-presence/internal/cluster"
	"github.com/2389/coven-presence/internal/messagebucket"
)

// BucketURLResponse is the response for GET /api/bucket/url.
type BucketURLResponse struct {
	URL string `json:"url"`
}

// TokenResponse is the response for POST /api/bucket/token.
type TokenResponse struct {
	Token string `json:"token"`
}

// BucketResponse describes a bucket resolved from a token.
type BucketResponse struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Handler returns the HTTP handler for all routes.
// API requests pass through optional bearer auth, then cluster tracking.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/bucket", s.handleBucket)
	api.HandleFunc("/api/bucket/url", s.handleBucketURL)
	api.Handle("/api/bucket/token", auth.RequireAuthHTTP()(http.HandlerFunc(s.handleIssueToken)))

	var apiHandler http.Handler = s.tracker.Middleware(api)
	if s.verifier != nil {
		apiHandler = auth.OptionalAuthMiddleware(s.verifier)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.Handle("/api/", apiHandler)
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports registry statistics, or 503 when the tracking store
// does not answer a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(cluster.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Error("tracking store ping failed", "error", err)
			s.sendJSONError(w, http.StatusServiceUnavailable, "tracking store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleBucketURL handles GET /api/bucket/url?context=...
func (s *Server) handleBucketURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	bucketContext := r.URL.Query().Get("context")
	if bucketContext == "" {
		s.sendJSONError(w, http.StatusBadRequest, "context is required")
		return
	}

	url, err := s.service.BuildBucketURL(r, bucketContext)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, BucketURLResponse{URL: url})
}

// handleIssueToken handles POST /api/bucket/token?context=...
// The token is minted for the authenticated user.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	bucketContext := r.URL.Query().Get("context")
	if bucketContext == "" {
		s.sendJSONError(w, http.StatusBadRequest, "context is required")
		return
	}

	tok, err := s.service.IssueToken(auth.RemoteUser(r.Context()), bucketContext)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, TokenResponse{Token: tok})
}

// handleBucket dispatches /api/bucket?token=... by method.
func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetBucket(w, r)
	case http.MethodHead:
		s.handlePeekBucket(w, r)
	case http.MethodDelete:
		s.handleReleaseBucket(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleGetBucket resolves a token to its bucket, creating it on first use.
// A request without a token gets 204 No Content.
func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	b, err := s.service.GetBucket(r.URL.Query().Get("token"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if b == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.writeJSON(w, http.StatusOK, BucketResponse{
		ID:        b.ID(),
		Key:       b.Key(),
		CreatedAt: b.CreatedAt().UTC(),
	})
}

// handlePeekBucket answers 200 if the token's bucket exists, 404 if not.
// HEAD responses carry no body, so errors are status only.
func (s *Server) handlePeekBucket(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	_, ok, err := s.service.PeekBucket(tok)
	if err != nil {
		status, _ := statusForError(err)
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleReleaseBucket drops the token's bucket.
func (s *Server) handleReleaseBucket(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		s.sendJSONError(w, http.StatusBadRequest, "token is required")
		return
	}

	removed, err := s.service.ReleaseBucket(tok)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if !removed {
		s.sendJSONError(w, http.StatusNotFound, "bucket not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusForError maps a bucket service error to an HTTP status and client message.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, messagebucket.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid bucket token"
	case errors.Is(err, messagebucket.ErrNoClusterIdentity):
		return http.StatusPreconditionRequired, "no cluster tracking is available"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	status, message := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("bucket request failed", "error", err)
	} else {
		s.logger.Debug("bucket request rejected", "status", status, "error", err)
	}
	s.sendJSONError(w, status, message)
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
