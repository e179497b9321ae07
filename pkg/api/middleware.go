package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quorumworks/council/pkg/identity"
	"github.com/quorumworks/council/pkg/ratelimit"
)

type requestIDKey struct{}
type reviewerKey struct{}

// RequestID injects an X-Request-ID into the context and response. A
// client-sent ID is reused for correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Logging emits one structured line per request.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"elapsed_ms", time.Since(start).Milliseconds(),
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RateLimit enforces a per-IP policy. A nil store disables limiting.
func RateLimit(store ratelimit.Store, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := store.Allow(r.Context(), clientIP(r), policy, 1)
			if err != nil {
				// A broken limiter must not take the API down.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, r, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}

// RequireCertifiedReviewer guards an endpoint with a bearer token that
// must carry the analyst certification. Fails closed when no token
// manager is configured.
func RequireCertifiedReviewer(tokens *identity.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				WriteUnauthorized(w, r, "Reviewer authentication is not configured")
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				WriteUnauthorized(w, r, "Missing bearer token")
				return
			}
			claims, err := tokens.ValidateCertified(strings.TrimPrefix(header, "Bearer "))
			if errors.Is(err, identity.ErrNotCertified) {
				WriteForbidden(w, r, "Analyst certification required")
				return
			}
			if err != nil {
				WriteUnauthorized(w, r, "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), reviewerKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ReviewerFromContext returns the authenticated reviewer claims.
func ReviewerFromContext(ctx context.Context) (*identity.ReviewerClaims, bool) {
	claims, ok := ctx.Value(reviewerKey{}).(*identity.ReviewerClaims)
	return claims, ok
}
