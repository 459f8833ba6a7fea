// ABOUTME: SQLite TrackingStore using modernc.org/sqlite
// ABOUTME: Shares tracking cookie mappings between nodes pointed at one database file

package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements TrackingStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the tracking database at path.
// Parent directories are created and the schema is applied automatically.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "tracking_store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite tracking store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cluster_tracking (
			cookie     TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			server_id  TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cluster_tracking_server
			ON cluster_tracking(server_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetTrackedUser returns the user tracked under cookie.
func (s *SQLiteStore) GetTrackedUser(ctx context.Context, cookie string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, server_id FROM cluster_tracking WHERE cookie = ?`,
		cookie,
	).Scan(&u.UserID, &u.ServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tracked user: %w", err)
	}
	return &u, nil
}

// TrackUser records user under cookie, replacing any previous mapping.
func (s *SQLiteStore) TrackUser(ctx context.Context, cookie string, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_tracking (cookie, user_id, server_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cookie) DO UPDATE SET
			user_id = excluded.user_id,
			server_id = excluded.server_id,
			updated_at = excluded.updated_at
	`, cookie, user.UserID, user.ServerID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("tracking user: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
