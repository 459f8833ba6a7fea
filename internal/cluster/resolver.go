// ABOUTME: Cluster identity resolution from request tracking cookies
// ABOUTME: Defines the Resolver contract and a cookie-backed implementation over a TrackingStore

package cluster

import (
	"context"
	"errors"
	"net/http"
)

// DefaultTrackingCookie is the cookie name used when none is configured.
const DefaultTrackingCookie = "SAKAI-TRACKING"

// ErrUserNotFound is returned when a tracking cookie maps to no cluster user.
var ErrUserNotFound = errors.New("cluster user not found")

// User is the cluster identity owning a tracked session.
type User struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
}

// Resolver maps an inbound request to the cluster user that owns it.
type Resolver interface {
	// TrackingCookies returns every tracking cookie value on the request.
	TrackingCookies(r *http.Request) []string
	// LookupUser returns the user for a cookie value, or ErrUserNotFound.
	LookupUser(ctx context.Context, cookie string) (*User, error)
}

// TrackingStore persists tracking cookie to cluster user mappings.
type TrackingStore interface {
	GetTrackedUser(ctx context.Context, cookie string) (*User, error)
	TrackUser(ctx context.Context, cookie string, user *User) error
	Close() error
}

// Pinger is implemented by tracking stores backed by a remote or file database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CookieResolver implements Resolver by reading a named cookie and
// looking its values up in a TrackingStore.
type CookieResolver struct {
	cookieName string
	store      TrackingStore
}

// NewCookieResolver creates a resolver for cookieName. An empty name selects
// DefaultTrackingCookie.
func NewCookieResolver(cookieName string, store TrackingStore) *CookieResolver {
	if cookieName == "" {
		cookieName = DefaultTrackingCookie
	}
	return &CookieResolver{cookieName: cookieName, store: store}
}

// CookieName returns the tracking cookie name.
func (c *CookieResolver) CookieName() string {
	return c.cookieName
}

// TrackingCookies returns the non-empty values of all tracking cookies on r.
func (c *CookieResolver) TrackingCookies(r *http.Request) []string {
	var values []string
	for _, ck := range r.Cookies() {
		if ck.Name == c.cookieName && ck.Value != "" {
			values = append(values, ck.Value)
		}
	}
	return values
}

// LookupUser returns the cluster user tracked under cookie.
func (c *CookieResolver) LookupUser(ctx context.Context, cookie string) (*User, error) {
	return c.store.GetTrackedUser(ctx, cookie)
}
