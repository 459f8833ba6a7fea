// ABOUTME: Presence server that wires bucket tokens, registry and cluster tracking behind HTTP
// ABOUTME: Manages the tracking store, listeners and graceful shutdown lifecycle

package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsnet"

	"github.com/2389/coven-presence/internal/auth"
	"github.com/2389/coven-presence/internal/bucket"
	"github.com/2389/coven-presence/internal/bucketurl"
	"github.com/2389/coven-presence/internal/cluster"
	"github.com/2389/coven-presence/internal/config"
	"github.com/2389/coven-presence/internal/messagebucket"
	"github.com/2389/coven-presence/internal/signer"
	"github.com/2389/coven-presence/internal/token"
)

// keyInfo binds derived signing keys to bucket tokens.
const keyInfo = "coven-presence bucket token v1"

// Server hosts the bucket HTTP API for one cluster node.
type Server struct {
	config      *config.Config
	registry    *bucket.Registry
	store       cluster.TrackingStore
	service     *messagebucket.Service
	tracker     *cluster.Tracker
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this node in tracking records
	serverID string
}

// New creates a Server from cfg. The caller must call Run or Shutdown to
// release the tracking store.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	serverID := resolveServerID(cfg.Server.ServerID)

	sgn, err := initSigner(cfg.Bucket, logger)
	if err != nil {
		return nil, err
	}

	// An empty pattern selects bucketurl.DefaultPattern.
	var tmpl *bucketurl.Template
	if cfg.Bucket.URLPattern != "" {
		tmpl, err = bucketurl.ParseTemplate(cfg.Bucket.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("parsing bucket url pattern: %w", err)
		}
		if !tmpl.Uses(bucketurl.ArgToken) {
			logger.Warn("bucket.url_pattern has no {3} token placeholder, bucket URLs will not grant access")
		}
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	} else {
		logger.Warn("auth.jwt_secret not set, all bucket requests are anonymous")
	}

	trackingStore, err := initStore(cfg.Database, cfg.Cluster.TrackingTTL)
	if err != nil {
		return nil, err
	}

	registry := bucket.New(
		bucket.WithIdleTTL(cfg.Bucket.IdleTTL),
		bucket.WithMaxBuckets(cfg.Bucket.MaxBuckets),
		bucket.WithLogger(logger),
	)

	codec := token.NewCodec(sgn, token.WithMaxAge(cfg.Bucket.MaxAge))

	resolver := cluster.NewCookieResolver(cfg.Cluster.TrackingCookie, trackingStore)
	service, err := messagebucket.New(messagebucket.Config{
		Codec:           codec,
		Registry:        registry,
		Resolver:        resolver,
		Template:        tmpl,
		TrustHostHeader: cfg.Bucket.TrustHostHeader,
		Logger:          logger,
	})
	if err != nil {
		registry.Close()
		_ = trackingStore.Close()
		return nil, fmt.Errorf("creating bucket service: %w", err)
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		store:    trackingStore,
		service:  service,
		verifier: verifier,
		logger:   logger.With("component", "server"),
		serverID: serverID,
	}

	s.tracker = cluster.NewTracker(cluster.TrackerConfig{
		CookieName: resolver.CookieName(),
		ServerID:   serverID,
		Store:      trackingStore,
		UserFunc:   func(r *http.Request) string { return auth.RemoteUser(r.Context()) },
		Secure:     cfg.Tailscale.Enabled && (cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel),
		Logger:     logger,
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server configured",
		"server_id", serverID,
		"algorithm", sgn.Algorithm(),
		"tracking_store", storeKind(cfg.Database),
		"tracking_cookie", resolver.CookieName(),
		"trust_host_header", cfg.Bucket.TrustHostHeader,
		"max_age", cfg.Bucket.MaxAge,
		"idle_ttl", cfg.Bucket.IdleTTL,
		"max_buckets", cfg.Bucket.MaxBuckets,
	)

	return s, nil
}

// ServerID returns this node's cluster identity.
func (s *Server) ServerID() string {
	return s.serverID
}

// resolveServerID returns the configured ID, falling back to the hostname.
func resolveServerID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "coven-presence-" + uuid.New().String()[:8]
}

// initSigner builds the bucket token signer. A configured secret is run
// through HKDF so every node sharing it derives the same key; without one
// a random key is generated and tokens only verify on this process.
func initSigner(cfg config.BucketConfig, logger *slog.Logger) (*signer.HMACSigner, error) {
	var key []byte
	var err error
	if cfg.SigningSecret != "" {
		key, err = signer.DeriveKey([]byte(cfg.SigningSecret), keyInfo)
	} else {
		logger.Warn("bucket.signing_secret not set, using a random per-process key")
		key, err = signer.GenerateKey()
	}
	if err != nil {
		return nil, fmt.Errorf("preparing signing key: %w", err)
	}

	sgn, err := signer.New(cfg.Algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return sgn, nil
}

// initStore opens the tracking store named by cfg.
// COVEN_PRESENCE_DB_PATH overrides the configured path.
func initStore(cfg config.DatabaseConfig, ttl time.Duration) (cluster.TrackingStore, error) {
	if envPath := os.Getenv("COVEN_PRESENCE_DB_PATH"); envPath != "" {
		cfg.Path = envPath
	}

	switch {
	case cfg.RedisURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := cluster.NewRedisStore(ctx, cfg.RedisURL, ttl)
		if err != nil {
			return nil, fmt.Errorf("initializing tracking store: %w", err)
		}
		return s, nil
	case cfg.InMemory():
		return cluster.NewMemoryStore(), nil
	default:
		s, err := cluster.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing tracking store: %w", err)
		}
		return s, nil
	}
}

func storeKind(cfg config.DatabaseConfig) string {
	switch {
	case cfg.RedisURL != "":
		return "redis"
	case cfg.InMemory():
		return "memory"
	default:
		return "sqlite:" + cfg.Path
	}
}

// GenerateSigningSecret returns a random secret suitable for bucket.signing_secret.
func GenerateSigningSecret() (string, error) {
	key, err := signer.GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		_ = s.gracefulShutdown()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases the registry and tracking store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "tracking store close", s.store.Close())

	s.logger.Info("releasing buckets", "buckets", s.registry.Len())
	s.registry.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
