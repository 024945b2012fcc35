// Package sqlite implements the optional connection audit store backed by a
// SQLite database. The server records one row per admitted connection and
// finalizes it on close with duration and byte counts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for audit persistence.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account TEXT NOT NULL,
	client_ip TEXT NOT NULL,
	route TEXT NOT NULL,
	protocol TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	duration_seconds REAL,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	bytes_sent INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_connections_account ON connections(account);
CREATE INDEX IF NOT EXISTS idx_connections_started ON connections(started_at);
`

// Open creates or opens the audit database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=journal_mode(wal)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordConnectionStart inserts the admission row and returns its id.
func (s *Store) RecordConnectionStart(ctx context.Context, account, clientIP, route, protocol string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (account, client_ip, route, protocol, started_at) VALUES (?, ?, ?, ?, ?)`,
		account, clientIP, route, protocol, startedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record connection start: %w", err)
	}
	return res.LastInsertId()
}

// RecordConnectionEnd finalizes the row written at admission.
func (s *Store) RecordConnectionEnd(ctx context.Context, id int64, endedAt time.Time, duration time.Duration, bytesReceived, bytesSent int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET ended_at = ?, duration_seconds = ?, bytes_received = ?, bytes_sent = ? WHERE id = ?`,
		endedAt.UnixMilli(), duration.Seconds(), bytesReceived, bytesSent, id)
	if err != nil {
		return fmt.Errorf("record connection end: %w", err)
	}
	return nil
}

// ConnectionCount reports how many connection rows exist for an account.
// Empty account counts all rows.
func (s *Store) ConnectionCount(ctx context.Context, account string) (int, error) {
	query := `SELECT COUNT(1) FROM connections`
	args := []any{}
	if account != "" {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
