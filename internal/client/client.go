// Package client wires the session machinery into one explicitly owned value.
//
// A Client is created with New, started with Start (restores the session left
// by a previous run) and disposed with Close. There is no package level state:
// several clients with different stores can live side by side.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/therapyclient/internal/auth"
	"github.com/nkiryanov/therapyclient/internal/booking"
	"github.com/nkiryanov/therapyclient/internal/clock"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/session"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
	"github.com/nkiryanov/therapyclient/internal/transport"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	BaseURL string `validate:"required,url"`

	// Used to open the store when Deps.Store is not set
	Store tokenstore.Config `validate:"-"`

	RefreshTimeout time.Duration `validate:"gte=0"`
	ExpiryWindow   time.Duration `validate:"gte=0"`

	// Path fragments sent without credentials, transport default if nil
	AllowList []string

	// Timeout of a whole business request including refresh and replay. Zero means none
	RequestTimeout time.Duration `validate:"gte=0"`
}

// Optional collaborators. Zero value is fine
type Deps struct {
	// Store to use instead of opening one from Config.Store. Caller keeps ownership
	Store tokenstore.Store

	// Base transport for every request, http.DefaultTransport if nil
	Transport http.RoundTripper

	Clock  clock.Clock
	Logger logger.Logger
}

type Client struct {
	store     tokenstore.Store
	ownsStore bool

	state   *session.State
	auth    *auth.Service
	http    *http.Client
	booking *booking.Client
	logger  logger.Logger

	mu       sync.Mutex
	watchers []func()
	closed   bool
}

func New(ctx context.Context, cfg Config, deps Deps) (*Client, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	l := deps.Logger
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	base := deps.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	store, ownsStore := deps.Store, false
	if store == nil {
		if err := validate.Struct(cfg.Store); err != nil {
			return nil, fmt.Errorf("invalid token store config: %w", err)
		}
		s, err := tokenstore.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to open token store: %w", err)
		}
		store, ownsStore = s, true
	}

	state := session.New(store, deps.Clock, logger.Named(l, "session"))

	authService, err := auth.NewService(
		auth.Config{BaseURL: cfg.BaseURL, RefreshTimeout: cfg.RefreshTimeout},
		&http.Client{Transport: base},
		store,
		state,
		logger.Named(l, "auth"),
	)
	if err != nil {
		if ownsStore {
			_ = tokenstore.Close(store)
		}
		return nil, err
	}

	sessionTransport := transport.New(base, store, authService, transport.Config{
		AllowList:    cfg.AllowList,
		ExpiryWindow: cfg.ExpiryWindow,
		Clock:        deps.Clock,
	}, logger.Named(l, "transport"))

	httpClient := &http.Client{Transport: sessionTransport, Timeout: cfg.RequestTimeout}

	return &Client{
		store:     store,
		ownsStore: ownsStore,
		state:     state,
		auth:      authService,
		http:      httpClient,
		booking:   booking.NewClient(cfg.BaseURL, httpClient, logger.Named(l, "booking")),
		logger:    l,
	}, nil
}

// Start restores session from the store, refreshing it once if needed
func (c *Client) Start(ctx context.Context) error {
	return c.auth.InitializeFromStorage(ctx)
}

func (c *Client) Auth() *auth.Service {
	return c.auth
}

func (c *Client) Session() *session.State {
	return c.state
}

// HTTPClient attaches credentials and refreshes session on its own
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func (c *Client) Booking() *booking.Client {
	return c.booking
}

// Watch session changes until Close
func (c *Client) Watch(buffer int) <-chan session.Snapshot {
	ch, cancel := c.state.Subscribe(buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		cancel()
		return ch
	}
	c.watchers = append(c.watchers, cancel)
	return ch
}

// Close stops watchers, drops idle connections and closes the store if the client opened it
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()

	for _, cancel := range watchers {
		cancel()
	}
	c.state.Close()
	c.http.CloseIdleConnections()

	var errs []error
	if c.ownsStore {
		if err := tokenstore.Close(c.store); err != nil {
			errs = append(errs, fmt.Errorf("failed to close token store: %w", err))
		}
	}
	return errors.Join(errs...)
}
