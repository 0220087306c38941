package tokenstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Subset of pgx pool or transaction the store needs
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres store lets several processes (e.g. backend-for-frontend replicas) share sessions.
// Each session lives in its own namespace
type Postgres struct {
	db        DBTX
	namespace string

	pool *pgxpool.Pool // nil if store built over external DBTX
}

func NewPostgres(db DBTX, namespace string) *Postgres {
	return &Postgres{db: db, namespace: namespace}
}

// ConnectPostgres runs migrations and opens pool owned by the store
func ConnectPostgres(ctx context.Context, dsn string, namespace string) (*Postgres, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: cant initialize connection pool: %w", err)
	}

	return &Postgres{db: pool, namespace: namespace, pool: pool}, nil
}

// Run embedded migrations
// Check the example at https://github.com/golang-migrate/migrate/blob/v4.18.1/source/iofs/example_test.go
func Migrate(dsn string) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}

	migrator, err := migrate.NewWithSourceInstance(
		"iofs",
		source,
		strings.NewReplacer(
			"postgres://", "pgx5://", // golang-migrate expects dsn in format 'pgx5://...' only
			"postgresql://", "pgx5://",
		).Replace(dsn),
	)
	if err != nil {
		return fmt.Errorf("error while preparing migrator. Err: %w", err)
	}
	defer migrator.Close() // nolint:errcheck

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error while applying migrations. Err: %w", err)
	}

	return nil
}

const getValue = `-- name: Get session token
SELECT value FROM session_tokens WHERE namespace = $1 AND key = $2`

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRow(ctx, getValue, p.namespace, key).Scan(&value)

	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	default:
		return "", false, dbError(err)
	}
}

const setValue = `-- name: Upsert session token
INSERT INTO session_tokens (namespace, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (namespace, key) DO UPDATE
SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`

func (p *Postgres) Set(ctx context.Context, key string, value string) error {
	_, err := p.db.Exec(ctx, setValue, p.namespace, key, value)
	if err != nil {
		return dbError(err)
	}
	return nil
}

const removeValue = `-- name: Remove session token
DELETE FROM session_tokens WHERE namespace = $1 AND key = $2`

func (p *Postgres) Remove(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, removeValue, p.namespace, key)
	if err != nil {
		return dbError(err)
	}
	return nil
}

const clearNamespace = `-- name: Clear session
DELETE FROM session_tokens WHERE namespace = $1`

func (p *Postgres) Clear(ctx context.Context) error {
	_, err := p.db.Exec(ctx, clearNamespace, p.namespace)
	if err != nil {
		return dbError(err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func dbError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("postgres store: %w: %s", apperrors.ErrStoreNotMigrated, pgErr.Message)
	}
	return fmt.Errorf("postgres store: db error: %w", err)
}
