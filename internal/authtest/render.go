package authtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	ValidationErrorType = "validation_failed"
	DecodingErrorType   = "decoding_failed"
	ServiceErrorType    = "service_error"
)

var validate = validator.New()

func init() {
	// Report json names in validation errors
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func renderJSON(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func renderError(w http.ResponseWriter, message string, code int) {
	renderJSON(w, ErrorResponse{Error: ServiceErrorType, Message: message}, code)
}

func renderValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	response := ErrorResponse{
		Error:   ValidationErrorType,
		Message: "Request validation failed",
		Fields:  make(map[string]string, len(errs)),
	}

	for _, fieldError := range errs {
		var message string
		switch fieldError.Tag() {
		case "required":
			message = "This field is required"
		case "min":
			message = fmt.Sprintf("Value is too short (minimum %s)", fieldError.Param())
		case "email":
			message = "Invalid email"
		default:
			message = "Invalid value"
		}
		response.Fields[fieldError.Field()] = message
	}

	renderJSON(w, response, http.StatusBadRequest)
}

// bindAndValidate decodes JSON request body into T and validates it using struct tags.
// On failure the error response is already written
func bindAndValidate[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var value T

	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		renderJSON(w, ErrorResponse{
			Error:   DecodingErrorType,
			Message: fmt.Sprintf("Failed to parse JSON: %s", err.Error()),
		}, http.StatusBadRequest)
		return value, false
	}

	if err := validate.Struct(value); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			renderValidationErrors(w, errs)
		} else {
			renderError(w, err.Error(), http.StatusBadRequest)
		}
		return value, false
	}

	return value, true
}
