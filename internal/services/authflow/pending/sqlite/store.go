// Package sqlite persists pending email-link requests in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/authflow/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/authflow/internal/services/authflow/pending"
	"github.com/louisbranch/authflow/internal/services/authflow/pending/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store implements pending.Store over SQLite.
//
// Each application id owns one row and the request is stored as a single
// encoded record, so an upsert replaces it atomically.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ pending.Store = (*Store)(nil)

// Open opens a pending store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the table holds a row per application.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB returns the raw database handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

func (s *Store) Save(ctx context.Context, appID string, req pending.Request) error {
	if strings.TrimSpace(appID) == "" {
		return fmt.Errorf("app id is required")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := pending.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_requests (app_id, record, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(app_id) DO UPDATE SET
    record = excluded.record,
    updated_at = excluded.updated_at;
`, appID, data, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save pending request: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, appID string) (pending.Request, error) {
	var data []byte
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT record FROM pending_requests WHERE app_id = ?", appID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return pending.Request{}, pending.ErrNotFound
	}
	if err != nil {
		return pending.Request{}, fmt.Errorf("load pending request: %w", err)
	}
	return pending.Unmarshal(data)
}

func (s *Store) Delete(ctx context.Context, appID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM pending_requests WHERE app_id = ?", appID); err != nil {
		return fmt.Errorf("delete pending request: %w", err)
	}
	return nil
}
