package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
)

const (
	exitOK           = 0
	exitError        = 1
	exitLoginAgain   = 2
	exitUsageFailure = 64
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Getenv, os.Getwd, os.Args[1:], os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		_, _ = fmt.Fprintln(os.Stderr, "bookingctl:", err)
	}
	return exitCode(err)
}

func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string, in io.Reader, out io.Writer) error {
	c := NewConfig()

	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("error while loading .env. Err: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return fmt.Errorf("error while loading environment. Err: %w", err)
	}
	if err := c.ParseFlags(args); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}

	app, err := NewApp(ctx, c, in, out)
	if err != nil {
		return err
	}
	defer app.Close() // nolint:errcheck

	return app.Execute(ctx, c.Args)
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return exitOK
	case errors.Is(err, apperrors.ErrSessionExpired),
		errors.Is(err, apperrors.ErrUnauthorized),
		errors.Is(err, apperrors.ErrInvalidCredentials):
		return exitLoginAgain
	case errors.Is(err, errUsage):
		return exitUsageFailure
	default:
		return exitError
	}
}
