package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/therapyclient/internal/client"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultLoggingLevel   = logger.LevelWarn
	defaultEnvironment    = logger.EnvDevelopment
	defaultStoreKind      = tokenstore.KindFile
	defaultRefreshTimeout = 10 * time.Second
	defaultExpiryWindow   = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

var validate = validator.New()

type Config struct {
	// Booking API base url
	BaseURL string `validate:"required,url"`

	LogLevel    string `validate:"oneof=debug info warn error"`
	Environment string `validate:"oneof=dev prod"`

	// Where tokens are kept between runs
	StoreKind     string `validate:"oneof=memory file sqlite postgres redis"`
	StorePath     string
	StoreSecret   string
	StoreDSN      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	Namespace     string

	// Upper bound of a token refresh call
	RefreshTimeout time.Duration `validate:"gt=0"`

	// Refresh ahead of time when access token expires within the window
	ExpiryWindow time.Duration `validate:"gte=0"`

	RequestTimeout time.Duration `validate:"gte=0"`

	// Command and its arguments
	Args []string
}

func NewConfig() *Config {
	return &Config{
		BaseURL:        defaultBaseURL,
		LogLevel:       defaultLoggingLevel,
		Environment:    defaultEnvironment,
		StoreKind:      defaultStoreKind,
		StorePath:      defaultStorePath(),
		RefreshTimeout: defaultRefreshTimeout,
		ExpiryWindow:   defaultExpiryWindow,
		RequestTimeout: defaultRequestTimeout,
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".bookingctl-session"
	}
	return filepath.Join(dir, "bookingctl", "session")
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	var errs []error

	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setInt := func(o *int) func(value string) {
		return func(value string) {
			if value == "" {
				return
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid number %q: %w", value, err))
				return
			}
			*o = n
		}
	}
	setDuration := func(o *time.Duration) func(value string) {
		return func(value string) {
			if value == "" {
				return
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid duration %q: %w", value, err))
				return
			}
			*o = d
		}
	}

	envMap := map[string]func(string){
		"BOOKING_API_URL":    setString(&c.BaseURL),
		"LOG_LEVEL":          setString(&c.LogLevel),
		"ENVIRONMENT":        setString(&c.Environment),
		"TOKEN_STORE":        setString(&c.StoreKind),
		"TOKEN_STORE_PATH":   setString(&c.StorePath),
		"TOKEN_STORE_SECRET": setString(&c.StoreSecret),
		"TOKEN_STORE_DSN":    setString(&c.StoreDSN),
		"REDIS_ADDR":         setString(&c.RedisAddr),
		"REDIS_PASSWORD":     setString(&c.RedisPassword),
		"REDIS_DB":           setInt(&c.RedisDB),
		"SESSION_NAMESPACE":  setString(&c.Namespace),
		"REFRESH_TIMEOUT":    setDuration(&c.RefreshTimeout),
		"EXPIRY_WINDOW":      setDuration(&c.ExpiryWindow),
		"REQUEST_TIMEOUT":    setDuration(&c.RequestTimeout),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}

	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("bookingctl", pflag.ContinueOnError)
	// Flags go before the command, everything after it belongs to the command
	fs.SetInterspersed(false)

	fs.StringVarP(&c.BaseURL, "url", "u", c.BaseURL, "Booking API base url")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVarP(&c.StoreKind, "store", "s", c.StoreKind, "Token store (memory, file, sqlite, postgres, redis)")
	fs.StringVar(&c.StorePath, "store-path", c.StorePath, "Token store file for 'file' and 'sqlite' stores")
	fs.StringVar(&c.StoreSecret, "store-secret", c.StoreSecret, "Secret to encrypt 'file' store")
	fs.StringVar(&c.StoreDSN, "store-dsn", c.StoreDSN, "Postgres connection string for 'postgres' store")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for 'redis' store")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database")
	fs.StringVarP(&c.Namespace, "namespace", "n", c.Namespace, "Session namespace in shared stores")
	fs.DurationVar(&c.RefreshTimeout, "refresh-timeout", c.RefreshTimeout, "Token refresh timeout")
	fs.DurationVar(&c.ExpiryWindow, "expiry-window", c.ExpiryWindow, "Refresh token this long before it expires (0 disables)")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "Request timeout (0 disables)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	c.Args = fs.Args()
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validate.Struct(c.StoreConfig()); err != nil {
		return fmt.Errorf("invalid token store configuration: %w", err)
	}
	return nil
}

func (c *Config) StoreConfig() tokenstore.Config {
	return tokenstore.Config{
		Kind:          c.StoreKind,
		Path:          c.StorePath,
		Secret:        c.StoreSecret,
		DSN:           c.StoreDSN,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		Namespace:     c.Namespace,
	}
}

func (c *Config) ClientConfig() client.Config {
	return client.Config{
		BaseURL:        c.BaseURL,
		Store:          c.StoreConfig(),
		RefreshTimeout: c.RefreshTimeout,
		ExpiryWindow:   c.ExpiryWindow,
		RequestTimeout: c.RequestTimeout,
	}
}
