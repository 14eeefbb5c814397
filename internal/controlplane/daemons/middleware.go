package daemons

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

type contextKey string

const apiKeyContextKey contextKey = "daemonKey"

// FromContext retrieves the authenticated daemon key from the request context.
func FromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}

// WithKey returns a context carrying key. Used by tests and in-process callers.
func WithKey(ctx context.Context, key *APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// KeyValidator checks a plaintext daemon key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, plainKey string) (*APIKey, error)
}

// RequireKey wraps daemon-facing handlers with Bearer key authentication.
// Each key state maps to its own error code.
func RequireKey(validator KeyValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			plain, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(plain) == "" {
				writeError(w, http.StatusUnauthorized, protocol.ErrCodeInvalidKey, "missing bearer api key")
				return
			}

			key, err := validator.ValidateKey(r.Context(), strings.TrimSpace(plain))
			if err != nil {
				switch {
				case errors.Is(err, ErrKeyInactive):
					writeError(w, http.StatusForbidden, protocol.ErrCodeKeyInactive, err.Error())
				case errors.Is(err, ErrKeyRevoked):
					logger.Warn("auth: revoked daemon api key presented",
						zap.String("remote_addr", r.RemoteAddr),
						zap.String("path", r.URL.Path))
					writeError(w, http.StatusUnauthorized, protocol.ErrCodeKeyRevoked, err.Error())
				case errors.Is(err, ErrInvalidKey):
					writeError(w, http.StatusUnauthorized, protocol.ErrCodeInvalidKey, err.Error())
				default:
					logger.Error("daemon key validation failed", zap.Error(err))
					writeError(w, http.StatusInternalServerError, "internal_error", "key validation failed")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
		})
	}
}
