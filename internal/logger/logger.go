package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Environments select the output format: text for local work, JSON otherwise
const (
	EnvDevelopment = "dev"
	EnvProduction  = "prod"
)

// Attribute keys added by the package itself
const (
	ComponentKey = "component"
	RequestIDKey = "request_id"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger

	// Ctx returns logger which adds values carried by ctx (request id) to every record
	Ctx(ctx context.Context) Logger
}

// New creates logger suitable for the environment.
// The CLI writes its own output to stdout, so logs always go to stderr
func New(env string, level string) (Logger, error) {
	return newLogger(os.Stderr, env, level)
}

// NewNoOpLogger creates a logger that discards all log messages
func NewNoOpLogger() Logger {
	return &slogLogger{logger: slog.New(slog.DiscardHandler), ctx: context.Background()}
}

// Named tags l with the component name. Nil l gives no-op logger
func Named(l Logger, component string) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l.With(ComponentKey, component)
}

func newLogger(w io.Writer, env string, level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   true,
		ReplaceAttr: replace,
	}

	var h slog.Handler
	switch strings.ToLower(env) {
	case EnvDevelopment:
		h = slog.NewTextHandler(w, opts)
	case EnvProduction:
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown environment %q", env)
	}

	return &slogLogger{logger: slog.New(contextHandler{h}), ctx: context.Background()}, nil
}
