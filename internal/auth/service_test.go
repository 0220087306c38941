package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/authtest"
	"github.com/nkiryanov/therapyclient/internal/models"
	"github.com/nkiryanov/therapyclient/internal/refresh"
	"github.com/nkiryanov/therapyclient/internal/session"
	"github.com/nkiryanov/therapyclient/internal/testutil"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
)

const (
	email    = "alice@example.com"
	password = "password123"
)

type fixture struct {
	srv    *authtest.Server
	store  *tokenstore.Memory
	svc    *Service
	events <-chan session.Snapshot
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()

	srv := authtest.NewServer(t)
	srv.AddUser(t, email, password)

	if cfg.BaseURL == "" {
		cfg.BaseURL = srv.URL
	}

	store := tokenstore.NewMemory()
	state := session.New(store, nil, nil)
	events, cancel := state.Subscribe(32)
	t.Cleanup(cancel)

	svc, err := NewService(cfg, srv.Client(), store, state, nil)
	require.NoError(t, err)

	return fixture{srv: srv, store: store, svc: svc, events: events}
}

// Store tokens as if issued in previous run
func (f fixture) seed(t *testing.T, pair models.TokenPair) {
	t.Helper()
	if pair.Access != "" {
		require.NoError(t, f.store.Set(t.Context(), tokenstore.AccessTokenKey, pair.Access))
	}
	if pair.Refresh != "" {
		require.NoError(t, f.store.Set(t.Context(), tokenstore.RefreshTokenKey, pair.Refresh))
	}
}

// Store failing to write one key, e.g. full disk
type failingStore struct {
	*tokenstore.Memory
	failKey string
}

func (s failingStore) Set(ctx context.Context, key string, value string) error {
	if key == s.failKey {
		return errors.New("disk full")
	}
	return s.Memory.Set(ctx, key, value)
}

func newFailingService(t *testing.T, failKey string) (*authtest.Server, *tokenstore.Memory, *Service) {
	t.Helper()

	srv := authtest.NewServer(t)
	srv.AddUser(t, email, password)

	mem := tokenstore.NewMemory()
	store := failingStore{Memory: mem, failKey: failKey}
	state := session.New(store, nil, nil)

	svc, err := NewService(Config{BaseURL: srv.URL}, srv.Client(), store, state, nil)
	require.NoError(t, err)

	return srv, mem, svc
}

// Events emitted so far
func (f fixture) emitted() []session.Event {
	var events []session.Event
	for {
		select {
		case snap := <-f.events:
			events = append(events, snap.Event)
		default:
			return events
		}
	}
}

func TestNewService(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		store := tokenstore.NewMemory()
		svc, err := NewService(Config{BaseURL: "http://booking.local/"}, nil, store, session.New(store, nil, nil), nil)

		require.NoError(t, err)
		require.Equal(t, "http://booking.local", svc.baseURL)
		require.Equal(t, DefaultLoginPath, svc.loginPath)
		require.Equal(t, DefaultRegisterPath, svc.registerPath)
		require.Equal(t, DefaultRefreshPath, svc.refreshPath)
	})

	t.Run("invalid base url", func(t *testing.T) {
		store := tokenstore.NewMemory()
		_, err := NewService(Config{BaseURL: "not a url"}, nil, store, session.New(store, nil, nil), nil)

		require.Error(t, err)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := NewService(Config{BaseURL: "http://booking.local"}, nil, nil, nil, nil)

		require.Error(t, err)
	})
}

func TestService_Login(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		f := newFixture(t, Config{})

		err := f.svc.Login(t.Context(), models.Credentials{Email: email, Password: password})

		require.NoError(t, err)
		snap := f.svc.Session().Snapshot()
		require.True(t, snap.IsAuthenticated())
		require.Equal(t, email, snap.CurrentUser.Email)
		require.Equal(t, "alice", snap.CurrentUser.Username)
		require.NotEmpty(t, f.store.Snapshot()[tokenstore.RefreshTokenKey])
		require.Equal(t, []session.Event{session.EventLoggedIn}, f.emitted())
	})

	t.Run("access token in authorization header", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.srv.BearerOnly(true)

		err := f.svc.Login(t.Context(), models.Credentials{Email: email, Password: password})

		require.NoError(t, err)
		require.True(t, f.svc.Session().IsAuthenticated())
	})

	t.Run("wrong password leaves session untouched", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.seed(t, models.TokenPair{Access: "old-access", Refresh: "old-refresh"})

		err := f.svc.Login(t.Context(), models.Credentials{Email: email, Password: "wrong-password"})

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
		require.Equal(t, "Invalid email or password", httpErr.Message)

		require.Equal(t, map[string]string{
			tokenstore.AccessTokenKey:  "old-access",
			tokenstore.RefreshTokenKey: "old-refresh",
		}, f.store.Snapshot())
		require.Empty(t, f.emitted())
	})

	t.Run("store write failure leaves no session", func(t *testing.T) {
		_, mem, svc := newFailingService(t, tokenstore.RefreshTokenKey)

		err := svc.Login(t.Context(), models.Credentials{Email: email, Password: password})

		require.ErrorContains(t, err, "disk full")
		require.Empty(t, mem.Snapshot())
		require.False(t, svc.Session().IsAuthenticated())
	})

	t.Run("invalid credentials are not sent", func(t *testing.T) {
		f := newFixture(t, Config{})

		err := f.svc.Login(t.Context(), models.Credentials{Email: "not-an-email", Password: password})

		require.Error(t, err)
		require.Empty(t, f.srv.Requests(authtest.LoginPath))
	})
}

func TestService_Register(t *testing.T) {
	t.Run("ok logs in", func(t *testing.T) {
		f := newFixture(t, Config{})

		err := f.svc.Register(t.Context(), models.Registration{
			Email:    "bob@example.com",
			Username: "bob",
			Password: "bob-password",
		})

		require.NoError(t, err)
		require.True(t, f.svc.Session().IsAuthenticated())
		require.Equal(t, "bob@example.com", f.svc.Session().CurrentUser().Email)
	})

	t.Run("user exists", func(t *testing.T) {
		f := newFixture(t, Config{})

		err := f.svc.Register(t.Context(), models.Registration{Email: email, Username: "alice", Password: password})

		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		require.Equal(t, http.StatusConflict, httpErr.StatusCode)
		require.NotErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.False(t, f.svc.Session().IsAuthenticated())
	})

	t.Run("short password", func(t *testing.T) {
		f := newFixture(t, Config{})

		err := f.svc.Register(t.Context(), models.Registration{Email: "bob@example.com", Username: "bob", Password: "short"})

		require.Error(t, err)
		require.Empty(t, f.srv.Requests(authtest.RegisterPath))
	})
}

func TestService_Refresh(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		f := newFixture(t, Config{})
		pair := f.srv.IssuePair(t, email, 0)
		f.seed(t, pair)

		o := f.svc.Refresh(t.Context())

		require.True(t, o.OK(), "refresh must succeed, got %v", o.Err)
		require.NotEqual(t, pair.Access, o.AccessToken)
		stored := f.store.Snapshot()
		require.Equal(t, o.AccessToken, stored[tokenstore.AccessTokenKey])
		require.NotEqual(t, pair.Refresh, stored[tokenstore.RefreshTokenKey], "rotated refresh token must be stored")
		require.True(t, f.svc.Session().IsAuthenticated())
		require.Equal(t, []session.Event{session.EventRefreshed}, f.emitted())

		recorded := f.srv.Requests(authtest.RefreshPath)
		require.Len(t, recorded, 1)
		require.Empty(t, recorded[0].Authorization, "refresh call carries no bearer")
	})

	t.Run("refresh token kept when not rotated", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.srv.KeepRefreshToken(true)
		pair := f.srv.IssuePair(t, email, 0)
		f.seed(t, pair)

		o := f.svc.Refresh(t.Context())

		require.True(t, o.OK())
		require.Equal(t, pair.Refresh, f.store.Snapshot()[tokenstore.RefreshTokenKey])
	})

	t.Run("no refresh token", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.seed(t, models.TokenPair{Access: f.srv.IssuePair(t, email, 0).Access})
		f.svc.Session().Recompute(t.Context(), session.EventRestored)
		f.emitted()

		o := f.svc.Refresh(t.Context())

		require.False(t, o.OK())
		require.ErrorIs(t, o.Err, apperrors.ErrNoRefreshToken)
		require.Zero(t, f.srv.RefreshCalls(), "no network call expected")
		require.Empty(t, f.store.Snapshot())
		require.Equal(t, []session.Event{session.EventSessionExpired}, f.emitted())
	})

	failures := []struct {
		name        string
		setup       func(f fixture)
		expectedErr error
	}{
		{
			name:        "rejected",
			setup:       func(f fixture) { f.srv.FailRefresh(http.StatusUnauthorized) },
			expectedErr: apperrors.ErrRefreshRejected,
		},
		{
			name:        "server error",
			setup:       func(f fixture) { f.srv.FailRefresh(http.StatusServiceUnavailable) },
			expectedErr: apperrors.ErrRefreshNetwork,
		},
		{
			name: "unknown refresh token",
			setup: func(f fixture) {
				_ = f.store.Set(context.Background(), tokenstore.RefreshTokenKey, "forged")
			},
			expectedErr: apperrors.ErrRefreshRejected,
		},
	}

	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.seed(t, f.srv.IssuePair(t, email, 0))
			f.svc.Session().Recompute(t.Context(), session.EventRestored)
			f.emitted()
			tt.setup(f)

			o := f.svc.Refresh(t.Context())

			require.False(t, o.OK())
			require.ErrorIs(t, o.Err, tt.expectedErr)
			require.Empty(t, f.store.Snapshot(), "failed refresh logs out")
			require.False(t, f.svc.Session().IsAuthenticated())
			require.Equal(t, []session.Event{session.EventSessionExpired}, f.emitted())
		})
	}

	t.Run("backend unreachable", func(t *testing.T) {
		port, err := testutil.RandomPort()
		require.NoError(t, err)
		f := newFixture(t, Config{BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port)})
		f.seed(t, models.TokenPair{Access: "access", Refresh: "refresh"})

		o := f.svc.Refresh(t.Context())

		require.ErrorIs(t, o.Err, apperrors.ErrRefreshNetwork)
		require.Empty(t, f.store.Snapshot())
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, Config{RefreshTimeout: 50 * time.Millisecond})
		f.srv.SetRefreshDelay(time.Second)
		f.seed(t, f.srv.IssuePair(t, email, 0))

		start := time.Now()
		o := f.svc.Refresh(t.Context())

		require.Less(t, time.Since(start), 900*time.Millisecond)
		require.ErrorIs(t, o.Err, apperrors.ErrRefreshNetwork)
		require.ErrorIs(t, o.Err, context.DeadlineExceeded)
		require.Empty(t, f.store.Snapshot())
	})

	t.Run("store write failure logs out", func(t *testing.T) {
		srv, mem, svc := newFailingService(t, tokenstore.RefreshTokenKey)
		pair := srv.IssuePair(t, email, 0)
		require.NoError(t, mem.Set(t.Context(), tokenstore.AccessTokenKey, pair.Access))
		require.NoError(t, mem.Set(t.Context(), tokenstore.RefreshTokenKey, pair.Refresh))
		svc.Session().Recompute(t.Context(), session.EventRestored)
		require.True(t, svc.Session().IsAuthenticated())

		o := svc.Refresh(t.Context())

		require.False(t, o.OK())
		require.ErrorContains(t, o.Err, "disk full")
		require.Empty(t, mem.Snapshot(), "half written tokens must not stay in store")
		require.False(t, svc.Session().IsAuthenticated())
		require.Nil(t, svc.Session().CurrentUser())
	})

	t.Run("logout during refresh wins", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.seed(t, f.srv.IssuePair(t, email, 0))
		f.svc.Session().Recompute(t.Context(), session.EventRestored)
		f.emitted()
		f.srv.SetRefreshDelay(300 * time.Millisecond)

		done := make(chan refresh.Outcome, 1)
		go func() { done <- f.svc.Refresh(context.Background()) }()
		require.Eventually(t, func() bool { return f.srv.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond, "refresh must reach backend")

		require.NoError(t, f.svc.Logout(t.Context()))
		o := <-done

		require.False(t, o.OK())
		require.ErrorIs(t, o.Err, apperrors.ErrSessionExpired)
		require.False(t, f.svc.Session().IsAuthenticated())
		require.Nil(t, f.svc.Session().CurrentUser())
		require.Empty(t, f.store.Snapshot(), "refreshed tokens must not be written after logout")
		require.Equal(t, []session.Event{session.EventLoggedOut}, f.emitted())
	})

	t.Run("login during refresh keeps new session", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.seed(t, f.srv.IssuePair(t, email, 0))
		f.srv.SetRefreshDelay(300 * time.Millisecond)

		done := make(chan refresh.Outcome, 1)
		go func() { done <- f.svc.Refresh(context.Background()) }()
		require.Eventually(t, func() bool { return f.srv.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond, "refresh must reach backend")

		require.NoError(t, f.svc.Login(t.Context(), models.Credentials{Email: email, Password: password}))
		loggedIn := f.store.Snapshot()
		o := <-done

		require.ErrorIs(t, o.Err, apperrors.ErrSessionExpired)
		require.Equal(t, loggedIn, f.store.Snapshot(), "tokens of the new login must stay")
		require.True(t, f.svc.Session().IsAuthenticated())
	})

	t.Run("concurrent failure expires session once", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.seed(t, f.srv.IssuePair(t, email, 0))
		f.svc.Session().Recompute(t.Context(), session.EventRestored)
		f.emitted()
		f.srv.FailRefresh(http.StatusUnauthorized)
		f.srv.SetRefreshDelay(100 * time.Millisecond)

		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				if o := f.svc.Refresh(t.Context()); o.OK() {
					return fmt.Errorf("refresh must fail")
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		require.LessOrEqual(t, f.srv.RefreshCalls(), 2, "callers arriving after failure may start one more cycle")
		require.Equal(t, []session.Event{session.EventSessionExpired}, f.emitted())
	})
}

func TestService_Logout(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.svc.Login(t.Context(), models.Credentials{Email: email, Password: password}))
	f.emitted()

	require.NoError(t, f.svc.Logout(t.Context()))

	require.Nil(t, f.svc.Session().CurrentUser())
	require.False(t, f.svc.Session().IsAuthenticated())
	require.Empty(t, f.store.Snapshot())
	require.Equal(t, []session.Event{session.EventLoggedOut}, f.emitted())

	require.NoError(t, f.svc.Logout(t.Context()), "logout is idempotent")
	require.Empty(t, f.emitted(), "repeated logout emits nothing")
}

func TestService_InitializeFromStorage(t *testing.T) {
	tests := []struct {
		name          string
		accessTTL     time.Duration
		withAccess    bool
		withRefresh   bool
		failRefresh   bool
		authenticated bool
		refreshCalls  int
		expectedErr   error
	}{
		{
			name:          "valid access token",
			accessTTL:     time.Hour,
			withAccess:    true,
			withRefresh:   true,
			authenticated: true,
			refreshCalls:  0,
		},
		{
			name:          "expired access token refreshed",
			accessTTL:     -time.Second,
			withAccess:    true,
			withRefresh:   true,
			authenticated: true,
			refreshCalls:  1,
		},
		{
			name:          "missing access token refreshed",
			withRefresh:   true,
			authenticated: true,
			refreshCalls:  1,
		},
		{
			name:          "expired access token, refresh fails",
			accessTTL:     -time.Second,
			withAccess:    true,
			withRefresh:   true,
			failRefresh:   true,
			authenticated: false,
			refreshCalls:  1,
			expectedErr:   apperrors.ErrSessionExpired,
		},
		{
			name:          "expired access token, no refresh token",
			accessTTL:     -time.Second,
			withAccess:    true,
			authenticated: false,
			refreshCalls:  0,
		},
		{
			name:          "empty store",
			authenticated: false,
			refreshCalls:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			pair := f.srv.IssuePair(t, email, tt.accessTTL)
			if !tt.withAccess {
				pair.Access = ""
			}
			if !tt.withRefresh {
				pair.Refresh = ""
			}
			f.seed(t, pair)
			if tt.failRefresh {
				f.srv.FailRefresh(http.StatusUnauthorized)
			}

			err := f.svc.InitializeFromStorage(t.Context())

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.authenticated, f.svc.Session().IsAuthenticated())
			require.Equal(t, tt.refreshCalls, f.srv.RefreshCalls())
			if !tt.authenticated {
				require.Empty(t, f.store.Snapshot(), "unauthenticated session leaves nothing in store")
			}
		})
	}
}

func TestExtractTokens(t *testing.T) {
	tests := []struct {
		name     string
		header   http.Header
		expected models.TokenPair
	}{
		{
			name:     "custom headers",
			header:   http.Header{"X-Access-Token": {"a"}, "X-Refresh-Token": {"r"}},
			expected: models.TokenPair{Access: "a", Refresh: "r"},
		},
		{
			name:     "bearer fallback",
			header:   http.Header{"Authorization": {"Bearer a"}, "X-Refresh-Token": {"r"}},
			expected: models.TokenPair{Access: "a", Refresh: "r"},
		},
		{
			name:     "custom header wins",
			header:   http.Header{"X-Access-Token": {"a"}, "Authorization": {"Bearer b"}},
			expected: models.TokenPair{Access: "a"},
		},
		{
			name:     "other scheme ignored",
			header:   http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}},
			expected: models.TokenPair{},
		},
		{
			name:     "nothing",
			header:   http.Header{},
			expected: models.TokenPair{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, extractTokens(tt.header))
		})
	}
}
