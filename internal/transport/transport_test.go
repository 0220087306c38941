package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/auth"
	"github.com/nkiryanov/therapyclient/internal/authtest"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/models"
	"github.com/nkiryanov/therapyclient/internal/refresh"
	"github.com/nkiryanov/therapyclient/internal/session"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
)

const email = "alice@example.com"

type fixture struct {
	srv    *authtest.Server
	store  *tokenstore.Memory
	svc    *auth.Service
	client *http.Client
	pair   models.TokenPair
}

func newFixture(t *testing.T, cfg Config, accessTTL time.Duration) fixture {
	t.Helper()

	srv := authtest.NewServer(t)
	srv.AddUser(t, email, "password123")
	pair := srv.IssuePair(t, email, accessTTL)

	store := tokenstore.NewMemory()
	require.NoError(t, store.Set(t.Context(), tokenstore.AccessTokenKey, pair.Access))
	require.NoError(t, store.Set(t.Context(), tokenstore.RefreshTokenKey, pair.Refresh))

	state := session.New(store, nil, nil)
	state.Recompute(t.Context(), session.EventRestored)

	svc, err := auth.NewService(auth.Config{BaseURL: srv.URL}, srv.Client(), store, state, nil)
	require.NoError(t, err)

	client := &http.Client{Transport: New(srv.Client().Transport, store, svc, cfg, nil)}

	return fixture{srv: srv, store: store, svc: svc, client: client, pair: pair}
}

func (f fixture) do(t *testing.T, method string, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, body)
	require.NoError(t, err)
	return f.doRequest(t, req)
}

func (f fixture) doRequest(t *testing.T, req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err == nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	return resp, err
}

func TestTransport(t *testing.T) {
	t.Run("attaches bearer and request id", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.srv.URL+authtest.ProfilePath, nil)
		require.NoError(t, err)

		resp, err := f.doRequest(t, req)

		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		recorded := f.srv.Requests(authtest.ProfilePath)
		require.Len(t, recorded, 1)
		require.Equal(t, "Bearer "+f.pair.Access, recorded[0].Authorization)
		require.NotEmpty(t, recorded[0].RequestID)
		require.Empty(t, req.Header.Get("Authorization"), "caller request must not be modified")
		require.Empty(t, req.Header.Get(RequestIDHeader), "caller request must not be modified")
	})

	t.Run("caller request id kept", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		f.srv.RevokeAccessTokens()
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.srv.URL+authtest.ProfilePath, nil)
		require.NoError(t, err)
		req.Header.Set(RequestIDHeader, "req-42")

		_, err = f.doRequest(t, req)

		require.NoError(t, err)
		recorded := f.srv.Requests(authtest.ProfilePath)
		require.Len(t, recorded, 2)
		for _, r := range recorded {
			require.Equal(t, "req-42", r.RequestID, "retry reuses request id")
		}
	})

	t.Run("allow listed path without credentials", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)

		resp, err := f.do(t, http.MethodPost, authtest.LoginPath, strings.NewReader(`{"email":"alice@example.com","password":"wrong-password"}`))

		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "401 from allow listed path is returned as is")
		recorded := f.srv.Requests(authtest.LoginPath)
		require.Len(t, recorded, 1)
		require.Empty(t, recorded[0].Authorization)
		require.Zero(t, f.srv.RefreshCalls())
	})

	t.Run("no stored token sends anonymous request", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		require.NoError(t, f.store.Clear(t.Context()))

		_, err := f.do(t, http.MethodGet, authtest.ProfilePath, nil)

		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.ErrorIs(t, err, apperrors.ErrNoRefreshToken)
		require.Empty(t, f.srv.Requests(authtest.ProfilePath)[0].Authorization)
		require.Zero(t, f.srv.RefreshCalls())
	})

	t.Run("non 401 returned unchanged", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)

		resp, err := f.do(t, http.MethodDelete, authtest.AppointmentsPath+"/not-a-uuid", nil)

		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Zero(t, f.srv.RefreshCalls())
	})

	t.Run("concurrent 401s share one refresh", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		f.srv.RevokeAccessTokens()
		f.srv.SetRefreshDelay(200 * time.Millisecond)

		const requests = 10
		var g errgroup.Group
		for range requests {
			g.Go(func() error {
				req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.srv.URL+authtest.ProfilePath, nil)
				if err != nil {
					return err
				}
				resp, err := f.client.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close() // nolint:errcheck
				if resp.StatusCode != http.StatusOK {
					return &unexpectedStatus{resp.StatusCode}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		require.Equal(t, 1, f.srv.RefreshCalls(), "exactly one refresh call expected")

		recorded := f.srv.Requests(authtest.ProfilePath)
		require.Len(t, recorded, 2*requests, "every request is sent and retried once")

		retried := map[string]bool{}
		for _, r := range recorded {
			if r.Authorization != "Bearer "+f.pair.Access {
				retried[r.Authorization] = true
			}
		}
		require.Len(t, retried, 1, "every retry carries the same refreshed token")
	})

	t.Run("second 401 is final", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		f.srv.RejectAll(true)

		resp, err := f.do(t, http.MethodGet, authtest.ProfilePath, nil)

		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Len(t, f.srv.Requests(authtest.ProfilePath), 2, "request retried exactly once")
		require.Equal(t, 1, f.srv.RefreshCalls())
		require.True(t, f.svc.Session().IsAuthenticated(), "second 401 does not log out")
	})

	t.Run("refresh failure expires session", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		f.srv.RevokeAccessTokens()
		f.srv.FailRefresh(http.StatusUnauthorized)

		_, err := f.do(t, http.MethodGet, authtest.ProfilePath, nil)

		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
		require.Len(t, f.srv.Requests(authtest.ProfilePath), 1, "request is not retried")
		require.Empty(t, f.store.Snapshot())
		require.False(t, f.svc.Session().IsAuthenticated())
	})

	t.Run("body replayed", func(t *testing.T) {
		tests := []struct {
			name string
			body func() io.Reader
		}{
			{
				name: "with GetBody",
				body: func() io.Reader { return strings.NewReader(`{"note":"hello"}`) },
			},
			{
				name: "buffered",
				// Wrapped reader hides the type, so http.NewRequest sets no GetBody
				body: func() io.Reader { return io.MultiReader(strings.NewReader(`{"note":"hello"}`)) },
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t, Config{}, 0)
				f.srv.RevokeAccessTokens()

				resp, err := f.do(t, http.MethodPost, authtest.EchoPath, tt.body())

				require.NoError(t, err)
				require.Equal(t, http.StatusOK, resp.StatusCode)
				echoed, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				require.Equal(t, `{"note":"hello"}`, string(echoed))
				require.Len(t, f.srv.Requests(authtest.EchoPath), 2)
			})
		}
	})

	t.Run("proactive refresh", func(t *testing.T) {
		f := newFixture(t, Config{ExpiryWindow: time.Minute}, 30*time.Second)

		resp, err := f.do(t, http.MethodGet, authtest.ProfilePath, nil)

		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, f.srv.RefreshCalls())
		recorded := f.srv.Requests(authtest.ProfilePath)
		require.Len(t, recorded, 1, "no 401 round trip")
		require.NotEqual(t, "Bearer "+f.pair.Access, recorded[0].Authorization)
	})

	t.Run("proactive refresh disabled", func(t *testing.T) {
		f := newFixture(t, Config{}, 30*time.Second)

		_, err := f.do(t, http.MethodGet, authtest.ProfilePath, nil)

		require.NoError(t, err)
		require.Zero(t, f.srv.RefreshCalls())
	})

	t.Run("requests 100ms apart during slow refresh", func(t *testing.T) {
		f := newFixture(t, Config{}, 0)
		f.srv.RevokeAccessTokens()
		f.srv.SetRefreshDelay(300 * time.Millisecond)

		var g errgroup.Group
		for i := range 2 {
			g.Go(func() error {
				time.Sleep(time.Duration(i) * 100 * time.Millisecond)
				req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.srv.URL+authtest.TherapistsPath, nil)
				if err != nil {
					return err
				}
				resp, err := f.client.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close() // nolint:errcheck
				if resp.StatusCode != http.StatusOK {
					return &unexpectedStatus{resp.StatusCode}
				}
				return nil
			})
		}

		require.NoError(t, g.Wait())
		require.Equal(t, 1, f.srv.RefreshCalls())
	})
}

func TestTransport_StaleToken(t *testing.T) {
	t.Run("session refreshed meanwhile", func(t *testing.T) {
		srv := authtest.NewServer(t)
		srv.AddUser(t, email, "password123")
		stale := srv.IssuePair(t, email, 0)
		srv.RevokeAccessTokens()
		fresh := srv.IssuePair(t, email, 0)

		store := tokenstore.NewMemory()
		require.NoError(t, store.Set(t.Context(), tokenstore.AccessTokenKey, stale.Access))

		// Another request completes refresh while this one waits for its 401
		base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
			resp, err := srv.Client().Transport.RoundTrip(r)
			if err == nil && resp.StatusCode == http.StatusUnauthorized {
				_ = store.Set(context.Background(), tokenstore.AccessTokenKey, fresh.Access)
			}
			return resp, err
		})
		refresher := &fakeRefresher{}
		client := &http.Client{Transport: New(base, store, refresher, Config{}, nil)}

		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+authtest.ProfilePath, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close() // nolint:errcheck

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Zero(t, refresher.calls, "no new refresh cycle for already refreshed session")
		recorded := srv.Requests(authtest.ProfilePath)
		require.Len(t, recorded, 2)
		require.Equal(t, "Bearer "+fresh.Access, recorded[1].Authorization)
	})

	t.Run("same token refreshes with request id in context", func(t *testing.T) {
		srv := authtest.NewServer(t)
		store := tokenstore.NewMemory()
		require.NoError(t, store.Set(t.Context(), tokenstore.AccessTokenKey, "stale"))
		refresher := &fakeRefresher{}
		client := &http.Client{Transport: New(srv.Client().Transport, store, refresher, Config{}, nil)}

		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+authtest.ProfilePath, nil)
		require.NoError(t, err)
		req.Header.Set(RequestIDHeader, "req-7")
		_, err = client.Do(req)

		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.Equal(t, 1, refresher.calls)
		require.Equal(t, "req-7", refresher.requestID, "refresh is logged with id of the request that triggered it")
	})
}

func TestTransport_Allowed(t *testing.T) {
	tr := New(nil, tokenstore.NewMemory(), nil, Config{}, nil)

	tests := []struct {
		path     string
		expected bool
	}{
		{"/api/auth/login", true},
		{"/api/auth/Register", true},
		{"/api/auth/refresh", true},
		{"/api/profile/me", false},
		{"/api/appointments", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.expected, tr.allowed(tt.path))
		})
	}
}

type unexpectedStatus struct {
	code int
}

func (e *unexpectedStatus) Error() string {
	return http.StatusText(e.code)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type fakeRefresher struct {
	mu        sync.Mutex
	calls     int
	requestID string
}

func (r *fakeRefresher) AcquireOrWait(ctx context.Context) (refresh.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	r.requestID = logger.RequestID(ctx)
	return refresh.Failed(errors.New("backend is down")), nil
}
