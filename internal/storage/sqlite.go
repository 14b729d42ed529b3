package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const blobSchema = `CREATE TABLE IF NOT EXISTS blobs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteBlobs stores blobs in a single SQLite table.
type SQLiteBlobs struct {
	db *sql.DB
}

// OpenSQLiteBlobs opens the database at path, creating it when needed.
func OpenSQLiteBlobs(path string) (*SQLiteBlobs, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create blob directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(blobSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize blob schema: %w", err)
	}
	return &SQLiteBlobs{db: db}, nil
}

// Close releases the database.
func (s *SQLiteBlobs) Close() error {
	return s.db.Close()
}

func (s *SQLiteBlobs) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query := "SELECT key, value FROM blobs WHERE key IN (" + placeholders(len(keys)) + ")"
	rows, err := s.db.QueryContext(ctx, query, anyArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLiteBlobs) Set(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin blob write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO blobs (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value")
	if err != nil {
		return fmt.Errorf("failed to prepare blob write: %w", err)
	}
	defer stmt.Close()

	for key, value := range items {
		if _, err := stmt.ExecContext(ctx, key, value); err != nil {
			return fmt.Errorf("failed to write blob %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit blob write: %w", err)
	}
	return nil
}

func (s *SQLiteBlobs) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query := "DELETE FROM blobs WHERE key IN (" + placeholders(len(keys)) + ")"
	if _, err := s.db.ExecContext(ctx, query, anyArgs(keys)...); err != nil {
		return fmt.Errorf("failed to remove blobs: %w", err)
	}
	return nil
}

func (s *SQLiteBlobs) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM blobs ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan blob key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anyArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
