package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite store keeps tokens of one or several local sessions in a database file
type SQLite struct {
	db        *sql.DB
	namespace string
}

func NewSQLite(ctx context.Context, path string, namespace string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	// Single writer; sqlite serializes writes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_tokens (
			namespace   TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       TEXT NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}

	return &SQLite{db: db, namespace: namespace}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_tokens WHERE namespace = ?1 AND key = ?2;`,
		s.namespace, key,
	).Scan(&value)

	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("sqlite store: %w", err)
	}
}

func (s *SQLite) Set(ctx context.Context, key string, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_tokens (namespace, key, value, updated_at)
		VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at;`,
		s.namespace, key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_tokens WHERE namespace = ?1 AND key = ?2;`,
		s.namespace, key,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_tokens WHERE namespace = ?1;`,
		s.namespace,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
