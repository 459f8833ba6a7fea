// ABOUTME: HTTP middleware that assigns and records cluster tracking cookies
// ABOUTME: Binds each browser session to the node that first served it

package cluster

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// AnonymousUser is recorded for tracked sessions with no authenticated user.
const AnonymousUser = "anonymous"

// Tracker assigns a tracking cookie to requests that carry none and records
// the owning node and user in a TrackingStore.
type Tracker struct {
	cookieName string
	serverID   string
	store      TrackingStore
	userFunc   func(r *http.Request) string
	secure     bool
	logger     *slog.Logger
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	CookieName string
	ServerID   string
	Store      TrackingStore
	// UserFunc returns the authenticated user for a request, or "".
	UserFunc func(r *http.Request) string
	// Secure marks the cookie Secure.
	Secure bool
	Logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	name := cfg.CookieName
	if name == "" {
		name = DefaultTrackingCookie
	}
	userFunc := cfg.UserFunc
	if userFunc == nil {
		userFunc = func(*http.Request) string { return "" }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cookieName: name,
		serverID:   cfg.ServerID,
		store:      cfg.Store,
		userFunc:   userFunc,
		secure:     cfg.Secure,
		logger:     logger.With("component", "tracker"),
	}
}

// Middleware wraps next with tracking cookie assignment.
// A known cookie whose recorded user differs from the authenticated user is
// re-recorded, so a session that logs in after tracking resolves to the
// logged-in user.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user := t.userFunc(r)

		if ck, err := r.Cookie(t.cookieName); err == nil && ck.Value != "" {
			tracked, err := t.store.GetTrackedUser(ctx, ck.Value)
			if err == nil && (user == "" || tracked.UserID == user) {
				next.ServeHTTP(w, r)
				return
			}
			if err == nil {
				t.record(r, ck.Value, user)
				next.ServeHTTP(w, r)
				return
			}
		}

		value := uuid.New().String()
		if !t.record(r, value, user) {
			next.ServeHTTP(w, r)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     t.cookieName,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   t.secure,
			SameSite: http.SameSiteLaxMode,
		})
		// Downstream handlers in this request resolve the new cookie.
		r.AddCookie(&http.Cookie{Name: t.cookieName, Value: value})

		next.ServeHTTP(w, r)
	})
}

// record stores cookie for user on this node. Returns false on store failure.
func (t *Tracker) record(r *http.Request, cookie, user string) bool {
	if user == "" {
		user = AnonymousUser
	}
	err := t.store.TrackUser(r.Context(), cookie, &User{UserID: user, ServerID: t.serverID})
	if err != nil {
		t.logger.Error("failed to record tracking cookie", "error", err)
		return false
	}
	t.logger.Debug("tracking cookie recorded", "user", user, "server_id", t.serverID)
	return true
}
