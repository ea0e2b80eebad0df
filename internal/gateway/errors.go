package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/mcp"
	"github.com/haasonsaas/campusgate/internal/observability"
	"github.com/haasonsaas/campusgate/internal/sessions"
)

const maxRequestBody = 1 << 20

var (
	errBadRequest         = errors.New("bad request")
	errRuntimeUnavailable = errors.New("runtime unavailable")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func runtimeUnavailable(err error) error {
	return fmt.Errorf("%w: %v", errRuntimeUnavailable, err)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, access.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrMissingCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, mcp.ErrProviderNotFound),
		errors.Is(err, sessions.ErrNotFound),
		errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mcp.ErrProviderExists):
		return http.StatusConflict
	case errors.Is(err, mcp.ErrInvalidConfig), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errRuntimeUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail logs err and answers with the mapped status. The body carries the
// request id so a report can be matched to the log line.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request error", "path", r.URL.Path, "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("gateway", http.StatusText(status))
		}
	} else {
		s.logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	body := map[string]string{"error": err.Error()}
	if id := observability.GetRequestID(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid json: %v", err)
	}
	return nil
}
