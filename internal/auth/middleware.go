package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/campusgate/internal/observability"
)

// Middleware resolves the request identity and stores it on the context.
// Requests with a bad or missing credential are rejected with 401.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := service.Authenticate(r)
			if err != nil {
				logger.WarnContext(r.Context(), "authentication failed",
					"path", r.URL.Path,
					"error", err,
				)
				writeUnauthorized(w, err)
				return
			}
			ctx := WithIdentity(r.Context(), id)
			if id.UserID != "" {
				ctx = observability.AddUserID(ctx, id.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireElevated rejects callers whose role is not elevated with 403.
func RequireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !CallerFromContext(r.Context()).Role.Elevated() {
			writeJSONError(w, http.StatusForbidden, "permission denied: elevated role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "unauthorized"
	switch {
	case errors.Is(err, ErrInvalidToken):
		msg = "invalid token"
	case errors.Is(err, ErrInvalidKey):
		msg = "invalid api key"
	case errors.Is(err, ErrMissingCredentials):
		msg = "missing credentials"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="campusgate"`)
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
