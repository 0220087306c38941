// Package transport attaches session credentials to outgoing requests.
//
// Transport is an http.RoundTripper. It reads the token store on every
// request, refreshes the session through a single-flight refresher when the
// backend answers 401 (or ahead of time when the token is about to expire)
// and replays the request once with the new token.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/clock"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/refresh"
	"github.com/nkiryanov/therapyclient/internal/token"
	"github.com/nkiryanov/therapyclient/internal/tokenstore"
)

const RequestIDHeader = "X-Request-Id"

// Requests to paths containing any of these fragments are sent without credentials
var DefaultAllowList = []string{"/login", "/register", "/refresh"}

type Refresher interface {
	AcquireOrWait(ctx context.Context) (refresh.Outcome, error)
}

type Config struct {
	// Path fragments sent without credentials. DefaultAllowList if nil
	AllowList []string

	// Refresh ahead of time when access token expires within the window. Zero disables
	ExpiryWindow time.Duration

	Clock clock.Clock
}

type Transport struct {
	base      http.RoundTripper
	store     tokenstore.Store
	refresher Refresher

	allowList []string
	window    time.Duration
	clock     clock.Clock
	logger    logger.Logger
}

func New(base http.RoundTripper, store tokenstore.Store, refresher Refresher, cfg Config, l logger.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.AllowList == nil {
		cfg.AllowList = DefaultAllowList
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	allowList := make([]string, 0, len(cfg.AllowList))
	for _, fragment := range cfg.AllowList {
		allowList = append(allowList, strings.ToLower(fragment))
	}

	return &Transport{
		base:      base,
		store:     store,
		refresher: refresher,
		allowList: allowList,
		window:    cfg.ExpiryWindow,
		clock:     cfg.Clock,
		logger:    l,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx := logger.ContextWithRequestID(req.Context(), requestID)

	if t.allowed(req.URL.Path) {
		r := req.Clone(ctx)
		r.Header.Set(RequestIDHeader, requestID)
		return t.base.RoundTrip(r)
	}

	l := t.logger.Ctx(ctx)
	firstBody, replayBody, err := replayable(req)
	if err != nil {
		return nil, err
	}

	access, err := t.accessToken(ctx)
	if err != nil {
		closeBody(req)
		return nil, err
	}

	r, err := prepare(ctx, req, access, requestID, firstBody)
	if err != nil {
		closeBody(req)
		return nil, err
	}
	resp, err := t.base.RoundTrip(r)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	drain(resp)
	l.Debug("Request unauthorized", "method", req.Method, "path", req.URL.Path)

	access, err = t.renewed(ctx, access)
	if err != nil {
		return nil, err
	}

	r, err = prepare(ctx, req, access, requestID, replayBody)
	if err != nil {
		return nil, err
	}
	resp, err = t.base.RoundTrip(r)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		l.Warn("Request unauthorized after refresh", "method", req.Method, "path", req.URL.Path)
	}
	return resp, err
}

func (t *Transport) allowed(path string) bool {
	path = strings.ToLower(path)
	for _, fragment := range t.allowList {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}

// Access token to attach. Refreshes first if the stored one is about to expire
func (t *Transport) accessToken(ctx context.Context) (string, error) {
	access := t.read(ctx, tokenstore.AccessTokenKey)
	if access == "" || t.window <= 0 {
		return access, nil
	}

	claims, err := token.Decode(access)
	if err != nil {
		// Let the backend decide, 401 path handles it
		t.logger.Ctx(ctx).Debug("Stored access token could not be decoded", "error", err)
		return access, nil
	}
	if !token.IsExpiringSoon(claims, t.clock.Now(), t.window) {
		return access, nil
	}
	if t.read(ctx, tokenstore.RefreshTokenKey) == "" {
		return access, nil
	}

	t.logger.Ctx(ctx).Debug("Access token expires soon, refreshing session", "expires_at", claims.ExpiresAt)
	return t.refreshed(ctx)
}

// Token to replay a request rejected with sent token.
// If another request refreshed the session meanwhile, its token is used and no new cycle starts
func (t *Transport) renewed(ctx context.Context, sent string) (string, error) {
	if stored := t.read(ctx, tokenstore.AccessTokenKey); stored != "" && stored != sent {
		t.logger.Ctx(ctx).Debug("Session already refreshed, replaying with stored token")
		return stored, nil
	}

	t.logger.Ctx(ctx).Debug("Refreshing session")
	return t.refreshed(ctx)
}

func (t *Transport) refreshed(ctx context.Context) (string, error) {
	o, err := t.refresher.AcquireOrWait(ctx)
	if err != nil {
		return "", err
	}
	if !o.OK() {
		return "", fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, o.Err)
	}
	return o.AccessToken, nil
}

func (t *Transport) read(ctx context.Context, key string) string {
	value, _, err := t.store.Get(ctx, key)
	if err != nil {
		t.logger.Ctx(ctx).Error("Token store read failed", "key", key, "error", err)
		return ""
	}
	return value
}

// Clone request with credentials. Caller request is never modified
func prepare(ctx context.Context, req *http.Request, access string, requestID string, body func() (io.ReadCloser, error)) (*http.Request, error) {
	r := req.Clone(ctx)
	if body != nil {
		b, err := body()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body failed. Err: %w", err)
		}
		r.Body = b
	}

	r.Header.Set(RequestIDHeader, requestID)
	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	}
	return r, nil
}

// Body sources for the first attempt and for the replay.
// Nil first means the original body is sent as is
func replayable(req *http.Request) (first func() (io.ReadCloser, error), replay func() (io.ReadCloser, error), err error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil, nil
	}
	if req.GetBody != nil {
		return nil, req.GetBody, nil
	}

	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("reading request body failed. Err: %w", err)
	}

	rewind := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	return rewind, rewind, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// RoundTripper must close request body even on errors
func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
