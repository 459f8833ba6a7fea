// ABOUTME: Entry point for coven-presence bucket server
// ABOUTME: Serves bucket URLs and tokens, and provides health and key tooling

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-presence/internal/auth"
	"github.com/2389/coven-presence/internal/config"
	"github.com/2389/coven-presence/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __  _ __ ___  ___  ___ _ __   ___ ___
 / __/ _ \ \ / / _ \ '_ \ _____| '_ \| '__/ _ \/ __|/ _ \ '_ \ / __/ _ \
| (_| (_) \ V /  __/ | | |_____| |_) | | |  __/\__ \  __/ | | | (_|  __/
 \___\___/ \_/ \___|_| |_|     | .__/|_|  \___||___/\___|_| |_|\___\___|
                               |_|
`

// getConfigPath returns the path to the presence config file.
// Priority: COVEN_PRESENCE_CONFIG env var > XDG_CONFIG_HOME/coven/presence.yaml > ~/.config/coven/presence.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_PRESENCE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "presence.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "presence.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-presence <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the bucket server")
		fmt.Println("  health                 Check server health")
		fmt.Println("  buckets                Show bucket registry statistics")
		fmt.Println("  keygen                 Print a random bucket.signing_secret")
		fmt.Println("  token --user ID        Print a bearer JWT for a user")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "buckets":
		err = runBuckets(ctx)
	case "keygen":
		err = runKeygen()
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Buckets:   %s\n", cfg.Bucket.URLPattern)
	if cfg.Bucket.SigningSecret == "" {
		yellow.Println("    ! bucket.signing_secret not set, tokens are valid on this process only")
	}
	fmt.Println()

	logger.Info("starting coven-presence",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func fetch(ctx context.Context, addr, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := fetch(ctx, cfg.Server.HTTPAddr, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runBuckets(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resp, err := fetch(ctx, cfg.Server.HTTPAddr, "/health/ready")
	if err != nil {
		return fmt.Errorf("buckets check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runKeygen() error {
	secret, err := server.GenerateSigningSecret()
	if err != nil {
		return fmt.Errorf("generating signing secret: %w", err)
	}
	fmt.Println(secret)
	return nil
}

// runToken prints a bearer JWT signed with auth.jwt_secret.
func runToken(args []string) error {
	var userID string
	var ttl time.Duration

	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVarP(&userID, "user", "u", "", "user ID for the sub claim (required)")
	flagSet.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	tok, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(tok)
	return nil
}
