package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tollmeter/llm-gateway/internal/auth"
)

type contextKey string

const (
	callerIDKey  contextKey = "caller_id"
	requestIDKey contextKey = "request_id"
)

// AuthMiddleware verifies the bearer credential and stores the caller
// identity on the request context. Requests without a valid credential
// terminate here with a 401 envelope.
func AuthMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, ErrorTypeAuthentication, "missing or invalid Authorization header")
				return
			}
			raw := strings.TrimPrefix(authHeader, "Bearer ")

			callerID, err := verifier.Verify(raw)
			if err != nil {
				detail := "invalid credential"
				if errors.Is(err, auth.ErrExpiredToken) {
					detail = "credential expired"
				}
				writeError(w, http.StatusUnauthorized, ErrorTypeAuthentication, detail)
				return
			}

			ctx = context.WithValue(ctx, callerIDKey, callerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func CallerID(ctx context.Context) string {
	if id, ok := ctx.Value(callerIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
