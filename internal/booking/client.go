// Package booking is the client of the therapist booking API.
//
// The client has no session logic of its own: it expects an *http.Client whose
// transport attaches credentials and refreshes them. An expired session comes
// back as an error wrapping apperrors.ErrSessionExpired.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
	"github.com/nkiryanov/therapyclient/internal/logger"
	"github.com/nkiryanov/therapyclient/internal/models"
	"github.com/nkiryanov/therapyclient/internal/transport"
)

const (
	ProfilePath      = "/api/profile/me"
	TherapistsPath   = "/api/therapists"
	AppointmentsPath = "/api/appointments"

	maxErrorBody = 64 << 10
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Error is returned for non 2xx answers of the booking API
type Error struct {
	StatusCode int
	Message    string

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("booking api: status %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL string
	client  *http.Client
	logger  logger.Logger
}

func NewClient(baseURL string, client *http.Client, l logger.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  l,
	}
}

func (c *Client) Me(ctx context.Context) (models.Profile, error) {
	var p models.Profile
	err := c.do(ctx, http.MethodGet, ProfilePath, nil, &p)
	return p, err
}

func (c *Client) ListTherapists(ctx context.Context, page int, pageSize int) (models.Page[models.Therapist], error) {
	var p models.Page[models.Therapist]
	err := c.do(ctx, http.MethodGet, TherapistsPath+pageQuery(page, pageSize), nil, &p)
	return p, err
}

func (c *Client) ListAppointments(ctx context.Context, page int, pageSize int) (models.Page[models.Appointment], error) {
	var p models.Page[models.Appointment]
	err := c.do(ctx, http.MethodGet, AppointmentsPath+pageQuery(page, pageSize), nil, &p)
	return p, err
}

func (c *Client) BookAppointment(ctx context.Context, req models.BookRequest) (models.Appointment, error) {
	var a models.Appointment

	if err := validate.Struct(req); err != nil {
		return a, fmt.Errorf("invalid booking request: %w", err)
	}

	err := c.do(ctx, http.MethodPost, AppointmentsPath, req, &a)
	return a, err
}

func (c *Client) CancelAppointment(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, AppointmentsPath+"/"+id.String(), nil, nil)
}

// Send request and decode JSON answer into out (if not nil)
func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Same id is sent to the backend and logged, retries included
	requestID := uuid.NewString()
	req.Header.Set(transport.RequestIDHeader, requestID)
	l := c.logger.Ctx(logger.ContextWithRequestID(ctx, requestID))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.Warn("Booking API request failed", "method", method, "path", path, "status_code", resp.StatusCode)
		return newError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		l.Warn("Failed to decode response", "path", path, "error", err)
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func newError(resp *http.Response) *Error {
	e := &Error{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil && body.Message != "" {
		e.Message = body.Message
	}

	if resp.StatusCode == http.StatusUnauthorized {
		e.Err = apperrors.ErrUnauthorized
	}
	return e
}

func pageQuery(page int, pageSize int) string {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
