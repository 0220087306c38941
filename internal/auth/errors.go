package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nkiryanov/therapyclient/internal/apperrors"
)

const maxErrorBody = 64 << 10

// HTTPError is returned when backend answers login or registration with non 2xx status
type HTTPError struct {
	StatusCode int
	Message    string

	Err error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func newHTTPError(resp *http.Response) *HTTPError {
	e := &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body); err == nil && body.Message != "" {
		e.Message = body.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = apperrors.ErrInvalidCredentials
	}

	return e
}
