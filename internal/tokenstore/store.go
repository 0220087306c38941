// Package tokenstore persists the current access and refresh tokens.
//
// Stores are plain key/value holders: they neither validate nor interpret
// values. Backend errors are returned to the caller as is (wrapped with
// context) and never retried here.
package tokenstore

import (
	"context"
	"fmt"
	"io"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
)

// Well-known keys. They match the response headers tokens are issued in
const (
	AccessTokenKey  = "X-Access-Token"
	RefreshTokenKey = "X-Refresh-Token"
)

const (
	KindMemory   = "memory"
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindRedis    = "redis"
)

const defaultNamespace = "default"

type Store interface {
	// Get value by key. ok is false if nothing stored under the key
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	Set(ctx context.Context, key string, value string) error

	// Remove key. Removing absent key is not an error
	Remove(ctx context.Context, key string) error

	// Remove every key of the store (or of the namespace for shared backends)
	Clear(ctx context.Context) error
}

type Config struct {
	Kind string `validate:"required,oneof=memory file sqlite postgres redis"`

	// File path for 'file' and 'sqlite' stores
	Path string `validate:"required_if=Kind file,required_if=Kind sqlite"`

	// Optional secret to encrypt 'file' store at rest
	Secret string

	// Postgres connection string
	DSN string `validate:"required_if=Kind postgres"`

	RedisAddr     string `validate:"required_if=Kind redis"`
	RedisPassword string
	RedisDB       int

	// Shared backends (sqlite, postgres, redis) may keep several sessions apart
	Namespace string
}

// Open creates store described by cfg.
// The returned store may implement io.Closer; use Close to release it
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}

	switch cfg.Kind {
	case KindMemory:
		return NewMemory(), nil
	case KindFile:
		return NewFile(cfg.Path, cfg.Secret)
	case KindSQLite:
		return NewSQLite(ctx, cfg.Path, cfg.Namespace)
	case KindPostgres:
		return ConnectPostgres(ctx, cfg.DSN, cfg.Namespace)
	case KindRedis:
		return ConnectRedis(ctx, RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.Namespace,
		})
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownStore, cfg.Kind)
	}
}

// Close store if it holds resources
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
