// Package httputil holds the JSON request and response helpers used by the
// HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charachat/charachat/internal/app/services"
	"github.com/charachat/charachat/internal/app/storage"
	"github.com/charachat/charachat/internal/providers"
	"github.com/charachat/charachat/pkg/logger"
)

// MaxBodyBytes bounds JSON request bodies. Uploads use their own limit.
const MaxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteStatus writes a bare error message.
func WriteStatus(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var validation *services.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, providers.ErrNoAPIKey), errors.Is(err, providers.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrLocked):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case providers.IsTransient(err), providers.IsFatal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError maps err to a status and writes it. Internal errors are logged
// and replaced with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := StatusFor(err)
	body := ErrorBody{Error: err.Error()}

	var validation *services.ValidationError
	if errors.As(err, &validation) {
		body = ErrorBody{Error: validation.Message, Field: validation.Field}
	}
	switch status {
	case http.StatusNotFound:
		body.Error = "not found"
	case http.StatusInternalServerError:
		body.Error = "internal error"
	}

	if log != nil && status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON body into dst, rejecting unknown fields and
// oversized payloads.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return services.Invalid("body", "request body is required")
	}
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return services.Invalid("body", "request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return services.Invalid("body", "request body is required")
		default:
			return services.Invalid("body", "invalid json: %v", err)
		}
	}
	if dec.More() {
		return services.Invalid("body", "unexpected data after json object")
	}
	return nil
}

// QueryInt parses an integer query parameter, returning def when absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, services.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

// QueryBool parses a boolean query parameter, returning false when absent.
func QueryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, services.Invalid(name, "must be a boolean")
	}
	return b, nil
}

// Required returns a validation error when value is empty.
func Required(field, value string) error {
	if value == "" {
		return services.Invalid(field, "is required")
	}
	return nil
}
