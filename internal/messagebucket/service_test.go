// ABOUTME: Tests for MessageBucketService
// ABOUTME: Covers bucket lookup by token, error taxonomy, and bucket URL construction

package messagebucket

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-presence/internal/auth"
	"github.com/2389/coven-presence/internal/bucket"
	"github.com/2389/coven-presence/internal/bucketurl"
	"github.com/2389/coven-presence/internal/cluster"
	"github.com/2389/coven-presence/internal/signer"
	"github.com/2389/coven-presence/internal/token"
)

// countingSigner counts Sign calls and can be made to fail.
type countingSigner struct {
	signer.Signer
	signs atomic.Int64
	fail  bool
}

func (c *countingSigner) Sign(message []byte) (string, error) {
	c.signs.Add(1)
	if c.fail {
		return "", signer.ErrCryptoFailure
	}
	return c.Signer.Sign(message)
}

func (c *countingSigner) Verify(message []byte, signature string) error {
	if c.fail {
		return signer.ErrCryptoFailure
	}
	return c.Signer.Verify(message, signature)
}

type fixture struct {
	service  *Service
	signer   *countingSigner
	registry *bucket.Registry
	store    *cluster.MemoryStore
	now      *time.Time
}

func newFixture(t *testing.T, pattern string) *fixture {
	t.Helper()

	hmac, err := signer.New("", []byte("service-test-secret"))
	require.NoError(t, err)
	cs := &countingSigner{Signer: hmac}

	now := time.UnixMilli(1_700_000_000_000)
	f := &fixture{signer: cs, now: &now}

	codec := token.NewCodec(cs, token.WithClock(func() time.Time { return *f.now }))
	f.registry = bucket.New()
	t.Cleanup(f.registry.Close)
	f.store = cluster.NewMemoryStore()

	var tmpl *bucketurl.Template
	if pattern != "" {
		tmpl, err = bucketurl.ParseTemplate(pattern)
		require.NoError(t, err)
	}

	f.service, err = New(Config{
		Codec:    codec,
		Registry: f.registry,
		Resolver: cluster.NewCookieResolver("", f.store),
		Template: tmpl,
	})
	require.NoError(t, err)
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGetBucket_EmptyTokenIsNoop(t *testing.T) {
	f := newFixture(t, "")

	b, err := f.service.GetBucket("")
	assert.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, 0, f.registry.Len())
}

func TestGetBucket_ValidToken(t *testing.T) {
	f := newFixture(t, "")

	tok, err := f.service.IssueToken("alice", "/profile")
	require.NoError(t, err)

	b, err := f.service.GetBucket(tok)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "alice-/profile", b.Key())
}

func TestGetBucket_SameBucketAcrossTimestamps(t *testing.T) {
	f := newFixture(t, "")

	first, err := f.service.IssueToken("alice", "/chat")
	require.NoError(t, err)
	*f.now = f.now.Add(time.Minute)
	second, err := f.service.IssueToken("alice", "/chat")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	b1, err := f.service.GetBucket(first)
	require.NoError(t, err)
	b2, err := f.service.GetBucket(second)
	require.NoError(t, err)

	assert.Same(t, b1, b2)

	other, err := f.service.IssueToken("alice", "/other")
	require.NoError(t, err)
	b3, err := f.service.GetBucket(other)
	require.NoError(t, err)
	assert.NotSame(t, b1, b3)
}

func TestGetBucket_ConcurrentLookups(t *testing.T) {
	f := newFixture(t, "")
	tok, err := f.service.IssueToken("alice", "/chat")
	require.NoError(t, err)

	const n = 50
	got := make([]bucket.MessageBucket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.service.GetBucket(tok)
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, uint64(1), f.registry.Stats().Created)
}

func TestGetBucket_InvalidTokens(t *testing.T) {
	f := newFixture(t, "")
	enc := base64.RawURLEncoding.EncodeToString

	otherSigner, err := signer.New("", []byte("some-other-secret"))
	require.NoError(t, err)
	foreign, err := token.NewCodec(otherSigner).Issue("alice", "/profile")
	require.NoError(t, err)

	tests := map[string]string{
		"not base64":     "%%%",
		"too few fields": enc([]byte("alice;18c5a;/profile")),
		"bad signature":  enc([]byte("alice;18c5a;/profile;00ff")),
		"wrong key":      foreign,
	}

	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := f.service.GetBucket(tok)
			assert.Nil(t, b)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.False(t, errors.Is(err, ErrCryptoFailure))
		})
	}
	assert.Equal(t, 0, f.registry.Len(), "invalid tokens must not create buckets")
}

func TestGetBucket_ExpiredTokenIsInvalid(t *testing.T) {
	hmac, err := signer.New("", []byte("k"))
	require.NoError(t, err)

	now := time.UnixMilli(1_700_000_000_000)
	codec := token.NewCodec(hmac,
		token.WithClock(func() time.Time { return now }),
		token.WithMaxAge(time.Minute),
	)
	registry := bucket.New()
	defer registry.Close()

	svc, err := New(Config{Codec: codec, Registry: registry, Resolver: cluster.NewCookieResolver("", cluster.NewMemoryStore())})
	require.NoError(t, err)

	tok, err := svc.IssueToken("alice", "/chat")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = svc.GetBucket(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, token.ErrExpiredToken)
}

func TestIssueToken_CryptoFailure(t *testing.T) {
	f := newFixture(t, "")
	f.signer.fail = true

	_, err := f.service.IssueToken("alice", "/profile")
	assert.ErrorIs(t, err, ErrCryptoFailure)
	assert.False(t, errors.Is(err, ErrInvalidToken))
}

func TestGetBucket_CryptoFailure(t *testing.T) {
	f := newFixture(t, "")
	tok, err := f.service.IssueToken("alice", "/profile")
	require.NoError(t, err)

	f.signer.fail = true
	_, err = f.service.GetBucket(tok)
	assert.ErrorIs(t, err, ErrCryptoFailure)
}

func trackedRequest(t *testing.T, f *fixture, cookie string, user cluster.User) *http.Request {
	t.Helper()
	require.NoError(t, f.store.TrackUser(context.Background(), cookie, &user))
	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/api/bucket/url", nil)
	req.AddCookie(&http.Cookie{Name: cluster.DefaultTrackingCookie, Value: cookie})
	return req
}

func TestBuildBucketURL(t *testing.T) {
	f := newFixture(t, "http://{0}://{1}:{2}/t?tok={3}&srv={6}&usr={7}")

	req := trackedRequest(t, f, "trk-1", cluster.User{UserID: "alice", ServerID: "node-7"})
	req = req.WithContext(auth.WithAuth(req.Context(), &auth.AuthContext{UserID: "alice"}))

	url, err := f.service.BuildBucketURL(req, "/profile")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "http://http://localhost:8080/t?tok="), url)
	assert.True(t, strings.HasSuffix(url, "&srv=node-7&usr=alice"), url)

	// The embedded token opens alice's bucket.
	tok := strings.TrimSuffix(strings.TrimPrefix(url, "http://http://localhost:8080/t?tok="), "&srv=node-7&usr=alice")
	b, err := f.service.GetBucket(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice-/profile", b.Key())
}

func TestBuildBucketURL_TokenPrefixes(t *testing.T) {
	f := newFixture(t, "{3}|{4}|{5}")
	req := trackedRequest(t, f, "trk-1", cluster.User{UserID: "alice", ServerID: "node-1"})

	url, err := f.service.BuildBucketURL(req, "/ctx")
	require.NoError(t, err)

	parts := strings.Split(url, "|")
	require.Len(t, parts, 3)
	assert.Equal(t, parts[0][:1], parts[1])
	assert.Equal(t, parts[0][:2], parts[2])
}

func TestBuildBucketURL_FirstResolvableCookieWins(t *testing.T) {
	f := newFixture(t, "{6}")
	require.NoError(t, f.store.TrackUser(context.Background(), "known", &cluster.User{UserID: "bob", ServerID: "node-2"}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cluster.DefaultTrackingCookie, Value: "stale"})
	req.AddCookie(&http.Cookie{Name: cluster.DefaultTrackingCookie, Value: "known"})

	url, err := f.service.BuildBucketURL(req, "/ctx")
	require.NoError(t, err)
	assert.Equal(t, "node-2", url)
}

func TestBuildBucketURL_NoClusterIdentity(t *testing.T) {
	tests := map[string]func(*fixture) *http.Request{
		"no cookies": func(*fixture) *http.Request {
			return httptest.NewRequest(http.MethodGet, "/", nil)
		},
		"unknown cookie": func(*fixture) *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: cluster.DefaultTrackingCookie, Value: "nobody"})
			return req
		},
	}

	for name, newReq := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "")

			_, err := f.service.BuildBucketURL(newReq(f), "/profile")
			assert.ErrorIs(t, err, ErrNoClusterIdentity)
			assert.Equal(t, int64(0), f.signer.signs.Load(), "no token should be minted")
		})
	}
}

// failingResolver reports a tracking cookie whose lookup fails.
type failingResolver struct{ err error }

func (f failingResolver) TrackingCookies(*http.Request) []string { return []string{"c"} }

func (f failingResolver) LookupUser(context.Context, string) (*cluster.User, error) {
	return nil, f.err
}

func TestBuildBucketURL_StoreErrorPropagates(t *testing.T) {
	hmac, err := signer.New("", []byte("k"))
	require.NoError(t, err)
	registry := bucket.New()
	defer registry.Close()

	storeErr := errors.New("database is locked")
	svc, err := New(Config{
		Codec:    token.NewCodec(hmac),
		Registry: registry,
		Resolver: failingResolver{err: storeErr},
	})
	require.NoError(t, err)

	_, err = svc.BuildBucketURL(httptest.NewRequest(http.MethodGet, "/", nil), "/ctx")
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, errors.Is(err, ErrNoClusterIdentity))
}

// absentResolver reports cookies whose lookup answers (nil, nil).
type absentResolver struct{ cookies []string }

func (a absentResolver) TrackingCookies(*http.Request) []string { return a.cookies }

func (a absentResolver) LookupUser(context.Context, string) (*cluster.User, error) {
	return nil, nil
}

func TestBuildBucketURL_NilUserIsAbsent(t *testing.T) {
	hmac, err := signer.New("", []byte("k"))
	require.NoError(t, err)
	cs := &countingSigner{Signer: hmac}
	registry := bucket.New()
	defer registry.Close()

	svc, err := New(Config{
		Codec:    token.NewCodec(cs),
		Registry: registry,
		Resolver: absentResolver{cookies: []string{"c1", "c2"}},
	})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		_, err = svc.BuildBucketURL(httptest.NewRequest(http.MethodGet, "/", nil), "/ctx")
	})
	assert.ErrorIs(t, err, ErrNoClusterIdentity)
	assert.Zero(t, cs.signs.Load())
}

func TestBuildBucketURL_LocalAddressOverHostHeader(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		want  string
	}{
		{name: "local address", trust: false, want: "http://10.0.0.5:8080/t"},
		{name: "trusted host header", trust: true, want: "http://evil.example:6666/t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hmac, err := signer.New("", []byte("k"))
			require.NoError(t, err)
			store := cluster.NewMemoryStore()
			require.NoError(t, store.TrackUser(context.Background(), "trk", &cluster.User{UserID: "alice", ServerID: "node-7"}))
			registry := bucket.New()
			defer registry.Close()

			svc, err := New(Config{
				Codec:           token.NewCodec(hmac),
				Registry:        registry,
				Resolver:        cluster.NewCookieResolver("", store),
				Template:        bucketurl.MustParseTemplate("{0}://{1}:{2}/t"),
				TrustHostHeader: tt.trust,
			})
			require.NoError(t, err)

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = "evil.example:6666"
			r.AddCookie(&http.Cookie{Name: cluster.DefaultTrackingCookie, Value: "trk"})
			addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 8080}
			r = r.WithContext(context.WithValue(r.Context(), http.LocalAddrContextKey, net.Addr(addr)))

			got, err := svc.BuildBucketURL(r, "/ctx")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeekBucket(t *testing.T) {
	f := newFixture(t, "")

	tok, err := f.service.IssueToken("alice", "/profile")
	require.NoError(t, err)

	_, ok, err := f.service.PeekBucket(tok)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.registry.Len(), "peek must not create")

	created, err := f.service.GetBucket(tok)
	require.NoError(t, err)

	got, ok, err := f.service.PeekBucket(tok)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, created, got)

	_, _, err = f.service.PeekBucket("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestReleaseBucket(t *testing.T) {
	f := newFixture(t, "")

	tok, err := f.service.IssueToken("alice", "/profile")
	require.NoError(t, err)
	first, err := f.service.GetBucket(tok)
	require.NoError(t, err)

	removed, err := f.service.ReleaseBucket(tok)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.service.ReleaseBucket(tok)
	require.NoError(t, err)
	assert.False(t, removed)

	second, err := f.service.GetBucket(tok)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	_, err = f.service.ReleaseBucket("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
