package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dontdude/snipbox/internal/domain"
)

// envelope is the {status, data} shape every JSON response uses.
type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errorData struct {
	Message     string              `json:"message"`
	Diagnostics []domain.Diagnostic `json:"diagnostics,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, data errorData) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Status: "error", Data: data}); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var malformed *domain.MalformedInputError
	var notCompilable *domain.NotCompilableError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &malformed), errors.Is(err, domain.ErrInvalidSlug):
		return http.StatusBadRequest
	case errors.As(err, &notCompilable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal details stay in the log.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	data := errorData{Message: err.Error()}

	var notCompilable *domain.NotCompilableError
	if errors.As(err, &notCompilable) {
		data.Diagnostics = notCompilable.Diagnostics
	}
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		data.Message = http.StatusText(code)
	}
	writeError(w, code, data)
}
