// ABOUTME: MessageBucketService: token-gated access to per-user message buckets
// ABOUTME: Ties token codec, bucket registry, cluster resolver and URL builder together

package messagebucket

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/coven-presence/internal/auth"
	"github.com/2389/coven-presence/internal/bucket"
	"github.com/2389/coven-presence/internal/bucketurl"
	"github.com/2389/coven-presence/internal/cluster"
	"github.com/2389/coven-presence/internal/token"
)

// Service errors
var (
	// ErrInvalidToken: malformed encoding, wrong field count, bad signature or expired.
	ErrInvalidToken = errors.New("invalid bucket token")
	// ErrNoClusterIdentity: the request carries no resolvable tracking cookie.
	ErrNoClusterIdentity = errors.New("no cluster tracking is available")
	// ErrCryptoFailure: the signing primitive failed.
	ErrCryptoFailure = errors.New("bucket token crypto failure")
)

// Registry stores buckets by key.
type Registry interface {
	GetOrCreate(key string) bucket.MessageBucket
	Get(key string) (bucket.MessageBucket, bool)
	Remove(key string) bool
}

// Service issues bucket tokens and resolves them to buckets.
type Service struct {
	codec    *token.Codec
	registry Registry
	resolver cluster.Resolver
	urls     *bucketurl.Builder
	logger   *slog.Logger

	trustHost bool
}

// Config holds the Service collaborators.
type Config struct {
	Codec    *token.Codec
	Registry Registry
	Resolver cluster.Resolver
	// Template for bucket URLs; nil selects bucketurl.DefaultPattern.
	Template *bucketurl.Template
	// TrustHostHeader fills URL host and port from the Host header.
	TrustHostHeader bool
	Logger          *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Codec == nil {
		return nil, errors.New("token codec is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("bucket registry is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("cluster resolver is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		codec:    cfg.Codec,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		urls:     bucketurl.NewBuilder(cfg.Template, cfg.Codec),
		logger:   logger.With("component", "messagebucket"),

		trustHost: cfg.TrustHostHeader,
	}, nil
}

// GetBucket returns the bucket a token grants access to, creating it on
// first use. An empty token means no bucket was requested and returns
// (nil, nil).
func (s *Service) GetBucket(tok string) (bucket.MessageBucket, error) {
	if tok == "" {
		return nil, nil
	}

	key, err := s.codec.BucketKey(tok)
	if err != nil {
		return nil, classify(err)
	}

	b := s.registry.GetOrCreate(key)
	s.logger.Debug("bucket resolved", "bucket_id", b.ID())
	return b, nil
}

// PeekBucket reports the bucket a token names without creating it.
// The bool is false when no such bucket exists yet.
func (s *Service) PeekBucket(tok string) (bucket.MessageBucket, bool, error) {
	key, err := s.codec.BucketKey(tok)
	if err != nil {
		return nil, false, classify(err)
	}
	b, ok := s.registry.Get(key)
	return b, ok, nil
}

// ReleaseBucket drops the bucket a token names. The next GetBucket with a
// token for the same key creates a fresh one. Returns false when there
// was nothing to release.
func (s *Service) ReleaseBucket(tok string) (bool, error) {
	key, err := s.codec.BucketKey(tok)
	if err != nil {
		return false, classify(err)
	}
	removed := s.registry.Remove(key)
	if removed {
		s.logger.Debug("bucket released", "key", key)
	}
	return removed, nil
}

// IssueToken mints a bucket token for userID in context.
func (s *Service) IssueToken(userID, context string) (string, error) {
	tok, err := s.codec.Issue(userID, context)
	if err != nil {
		return "", classify(err)
	}
	s.logger.Debug("bucket token issued", "user", userID, "context", context)
	return tok, nil
}

// BuildBucketURL resolves the cluster user owning r and returns a bucket
// URL for context. The first tracking cookie that resolves wins.
// Returns ErrNoClusterIdentity without minting a token when none resolves.
func (s *Service) BuildBucketURL(r *http.Request, context string) (string, error) {
	user, err := s.resolveUser(r)
	if err != nil {
		return "", err
	}

	info := bucketurl.RequestInfoFromHTTP(r, auth.RemoteUser(r.Context()), s.trustHost)
	url, err := s.urls.Build(user, context, info)
	if err != nil {
		return "", classify(err)
	}

	s.logger.Debug("bucket url built", "user", user.UserID, "server_id", user.ServerID, "context", context)
	return url, nil
}

// resolveUser returns the user of the first tracking cookie that resolves.
// A resolver answering (nil, nil) is treated like ErrUserNotFound.
func (s *Service) resolveUser(r *http.Request) (*cluster.User, error) {
	for _, cookie := range s.resolver.TrackingCookies(r) {
		user, err := s.resolver.LookupUser(r.Context(), cookie)
		if errors.Is(err, cluster.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving tracking cookie: %w", err)
		}
		if user == nil {
			continue
		}
		return user, nil
	}
	return nil, ErrNoClusterIdentity
}

// classify maps codec and signer errors onto the service taxonomy,
// keeping the underlying error in the chain.
func classify(err error) error {
	if errors.Is(err, token.ErrInvalidToken) {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return fmt.Errorf("%w: %w", ErrCryptoFailure, err)
}
