// Package persistence archives finished orchestration sessions in SQLite so
// their outcome can be reported after the process exits.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/parallax/internal/registry"
)

// ErrSessionNotFound is returned when no archived session matches.
var ErrSessionNotFound = errors.New("session not found in archive")

// SessionSummary is one row of the archive listing.
type SessionSummary struct {
	ID         string
	Feature    string
	Status     string
	StartedAt  time.Time
	EndedAt    time.Time
	Tasks      int
	Completed  int
	Failed     int
	ArchivedAt time.Time
}

// Store is the session archive.
type Store interface {
	SaveSession(ctx context.Context, s *registry.Session) error
	GetSession(ctx context.Context, id string) (*registry.Session, error)
	LatestSession(ctx context.Context) (*registry.Session, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the archive at dbPath, creating parent
// directories as needed. WAL mode, foreign keys, and a busy timeout are enabled.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN; it is set by PRAGMA below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory archive for tests. Each store gets its
// own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers and keeps in-memory databases intact.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
