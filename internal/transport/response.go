// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/stagehand/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrConfig:            http.StatusUnprocessableEntity,
	model.ErrProtectedResource: http.StatusForbidden,
	model.ErrStepFailed:        http.StatusUnprocessableEntity,
	model.ErrTimeoutExceeded:   http.StatusGatewayTimeout,
	model.ErrCancelledByUser:   http.StatusConflict,
	model.ErrShuttingDown:      http.StatusServiceUnavailable,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500 so internal details are not leaked.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
