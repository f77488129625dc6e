package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duckmesh/sqlagent/internal/observability"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// Authenticate resolves the caller from X-API-Key or a bearer token.
func Authenticate(r *http.Request, validator APIKeyValidator) (Identity, error) {
	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if apiKey == "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			apiKey = strings.TrimSpace(token)
		}
	}
	if apiKey == "" {
		return Identity{}, ErrMissingKey
	}
	identity, ok := validator.Validate(r.Context(), apiKey)
	if !ok {
		return Identity{}, ErrInvalidKey
	}
	return identity, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// identity on the request context. Dataset and role checks are left to the
// handlers, which know what the request asks for.
func Middleware(logger *slog.Logger, validator APIKeyValidator) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := Authenticate(r, validator)
			if err != nil {
				if errors.Is(err, ErrInvalidKey) {
					logger.WarnContext(r.Context(), "authentication failed",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("path", r.URL.Path),
					)
				}
				writeUnauthorized(w, r, err)
				return
			}
			logger.DebugContext(r.Context(), "authenticated",
				slog.String("dataset_scope", identity.DatasetID),
				slog.Any("roles", identity.Roles),
			)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="sqlagent"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "UNAUTHORIZED",
		"message":    err.Error(),
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
