// Package auth logs the user in and out and keeps tokens fresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/models"
	"github.com/nkiryanov/therapyclient/internal/refresh"
	"github.com/nkiryanov/therapyclient/internal/session"
	"github.com/nkiryanov/therapyclient/internal/token"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
)

const (
	DefaultLoginPath    = "/api/auth/login"
	DefaultRegisterPath = "/api/auth/register"
	DefaultRefreshPath  = "/api/auth/refresh"

	defaultRefreshTimeout = 10 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	// Backend base url, e.g. https://booking.example.com
	BaseURL string `validate:"required,url"`

	// Auth endpoints relative to BaseURL. Defaults are used if empty
	LoginPath    string
	RegisterPath string
	RefreshPath  string

	// Upper bound of one refresh call
	RefreshTimeout time.Duration `validate:"gte=0"`
}

type Service struct {
	baseURL      string
	loginPath    string
	registerPath string
	refreshPath  string

	// Client for auth endpoints. Must not carry session handling itself
	client *http.Client

	store       tokenstore.Store
	state       *session.State
	coordinator *refresh.Coordinator
	logger      logger.Logger

	// Session generation. Bumped on every login and logout, so a refresh started
	// for an older session never writes its tokens. Guards store writes as well
	mu    sync.Mutex
	epoch uint64
}

func NewService(cfg Config, client *http.Client, store tokenstore.Store, state *session.State, l logger.Logger) (*Service, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid auth config. Err: %w", err)
	}
	if store == nil || state == nil {
		return nil, errors.New("store and session state must not be nil")
	}

	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&cfg.LoginPath, DefaultLoginPath)
	setDefault(&cfg.RegisterPath, DefaultRegisterPath)
	setDefault(&cfg.RefreshPath, DefaultRefreshPath)
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}

	if client == nil {
		client = &http.Client{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	s := &Service{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		loginPath:    cfg.LoginPath,
		registerPath: cfg.RegisterPath,
		refreshPath:  cfg.RefreshPath,
		client:       client,
		store:        store,
		state:        state,
		logger:       l,
	}
	s.coordinator = refresh.NewCoordinator(s.refreshTokens, refresh.Config{Timeout: cfg.RefreshTimeout}, l)

	return s, nil
}

func (s *Service) Session() *session.State {
	return s.state
}

func (s *Service) Login(ctx context.Context, creds models.Credentials) error {
	if err := validate.Struct(creds); err != nil {
		return fmt.Errorf("invalid credentials. Err: %w", err)
	}

	resp, err := s.post(ctx, s.loginPath, creds, nil)
	if err != nil {
		return fmt.Errorf("login request failed. Err: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newHTTPError(resp)
	}

	pair := extractTokens(resp.Header)
	if pair.Access == "" {
		return fmt.Errorf("login response carries no access token. Err: %w", apperrors.ErrUnauthorized)
	}

	snap, err := s.startSession(ctx, pair)
	if err != nil {
		return err
	}

	s.logger.Info("User logged in", "user_id", userID(snap))
	return nil
}

// Register user. If backend answers with tokens the user is logged in as well
func (s *Service) Register(ctx context.Context, reg models.Registration) error {
	if err := validate.Struct(reg); err != nil {
		return fmt.Errorf("invalid registration. Err: %w", err)
	}

	resp, err := s.post(ctx, s.registerPath, reg, nil)
	if err != nil {
		return fmt.Errorf("register request failed. Err: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newHTTPError(resp)
	}

	pair := extractTokens(resp.Header)
	if pair.Access == "" {
		s.logger.Info("User registered, login required", "email", reg.Email)
		return nil
	}

	snap, err := s.startSession(ctx, pair)
	if err != nil {
		return err
	}

	s.logger.Info("User registered and logged in", "user_id", userID(snap))
	return nil
}

// Refresh tokens single-flight: joins a running refresh if there is one
func (s *Service) Refresh(ctx context.Context) refresh.Outcome {
	o, err := s.coordinator.AcquireOrWait(ctx)
	if err != nil {
		return refresh.Failed(err)
	}
	return o
}

func (s *Service) AcquireOrWait(ctx context.Context) (refresh.Outcome, error) {
	return s.coordinator.AcquireOrWait(ctx)
}

// Logout clears stored tokens and session. Safe to call many times
func (s *Service) Logout(ctx context.Context) error {
	return s.logout(ctx, session.EventLoggedOut)
}

// InitializeFromStorage restores session left by a previous run.
// If access token is not usable but refresh token exists, the session is refreshed once
func (s *Service) InitializeFromStorage(ctx context.Context) error {
	snap := s.state.Recompute(ctx, session.EventRestored)
	if snap.IsAuthenticated() {
		s.logger.Debug("Session restored", "user_id", userID(snap))
		return nil
	}

	if snap.RefreshToken == "" {
		return s.logout(ctx, session.EventSessionExpired)
	}

	o, err := s.coordinator.AcquireOrWait(ctx)
	if err != nil {
		return err
	}
	if !o.OK() {
		return fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, o.Err)
	}

	return nil
}

// Raw refresh call run by the coordinator. Any failure logs the user out.
// Tokens are dropped if the session was ended or replaced while the call was in flight
func (s *Service) refreshTokens(ctx context.Context) refresh.Outcome {
	l := s.logger.Ctx(ctx)

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	pair, err := s.requestRefresh(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		l.Info("Session changed during refresh, refreshed tokens dropped")
		return refresh.Failed(fmt.Errorf("%w: session changed during refresh", apperrors.ErrSessionExpired))
	}

	if err == nil {
		err = s.saveTokens(ctx, pair, true)
	}
	if err != nil {
		// Refresh context may be already done here
		cleanupCtx := context.WithoutCancel(ctx)
		if lerr := s.resetLocked(cleanupCtx, session.EventSessionExpired); lerr != nil {
			l.Error("Logout after failed refresh failed", "error", lerr)
		}
		return refresh.Failed(err)
	}
	s.state.Recompute(ctx, session.EventRefreshed)

	return refresh.Refreshed(pair.Access)
}

func (s *Service) requestRefresh(ctx context.Context) (models.TokenPair, error) {
	refreshToken, ok, err := s.store.Get(ctx, tokenstore.RefreshTokenKey)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("reading refresh token failed. Err: %w", err)
	}
	if !ok || refreshToken == "" {
		return models.TokenPair{}, apperrors.ErrNoRefreshToken
	}

	body := struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: refreshToken}
	header := http.Header{tokenstore.RefreshTokenKey: {refreshToken}}

	resp, err := s.post(ctx, s.refreshPath, body, header)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshNetwork, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 500:
		return models.TokenPair{}, fmt.Errorf("%w: status %d", apperrors.ErrRefreshNetwork, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshRejected, newHTTPError(resp))
	}

	pair := extractTokens(resp.Header)
	if _, err := token.Decode(pair.Access); err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: response access token: %w", apperrors.ErrRefreshRejected, err)
	}

	return pair, nil
}

func (s *Service) logout(ctx context.Context, event session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resetLocked(ctx, event)
}

// Ends current session generation. s.mu must be held
func (s *Service) resetLocked(ctx context.Context, event session.Event) error {
	s.epoch++

	err := s.store.Clear(ctx)
	if err != nil {
		err = fmt.Errorf("clearing token store failed. Err: %w", err)
	}

	if s.state.Reset(event) {
		s.logger.Ctx(ctx).Info("User logged out", "event", event)
	}
	return err
}

// Store tokens of a fresh login as new session generation.
// Partially written tokens are cleared
func (s *Service) startSession(ctx context.Context, pair models.TokenPair) (session.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	if err := s.saveTokens(ctx, pair, false); err != nil {
		if lerr := s.resetLocked(context.WithoutCancel(ctx), session.EventLoggedOut); lerr != nil {
			s.logger.Error("Cleanup after failed login failed", "error", lerr)
		}
		return session.Snapshot{}, err
	}

	return s.state.Recompute(ctx, session.EventLoggedIn), nil
}

// Write issued tokens. Missing refresh token is kept on refresh and removed otherwise
func (s *Service) saveTokens(ctx context.Context, pair models.TokenPair, keepRefresh bool) error {
	if err := s.store.Set(ctx, tokenstore.AccessTokenKey, pair.Access); err != nil {
		return fmt.Errorf("saving access token failed. Err: %w", err)
	}

	switch {
	case pair.Refresh != "":
		if err := s.store.Set(ctx, tokenstore.RefreshTokenKey, pair.Refresh); err != nil {
			return fmt.Errorf("saving refresh token failed. Err: %w", err)
		}
	case !keepRefresh:
		if err := s.store.Remove(ctx, tokenstore.RefreshTokenKey); err != nil {
			return fmt.Errorf("removing refresh token failed. Err: %w", err)
		}
	}

	return nil
}

func (s *Service) post(ctx context.Context, path string, body any, header http.Header) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request failed. Err: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("creating request failed. Err: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	return s.client.Do(req)
}

// Tokens are issued in X-Access-Token and X-Refresh-Token headers.
// Some deployments send access token as bearer in Authorization header instead
func extractTokens(h http.Header) models.TokenPair {
	access := h.Get(tokenstore.AccessTokenKey)
	if access == "" {
		const prefix = "Bearer "
		if v := h.Get("Authorization"); len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			access = strings.TrimSpace(v[len(prefix):])
		}
	}

	return models.TokenPair{
		Access:  access,
		Refresh: h.Get(tokenstore.RefreshTokenKey),
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

func userID(snap session.Snapshot) string {
	if snap.CurrentUser == nil {
		return ""
	}
	return snap.CurrentUser.ID
}
