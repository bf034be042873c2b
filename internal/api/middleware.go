package api

import (
	"crypto/subtle"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/tenant"
)

// extractBearerToken pulls the token from the Authorization header.
// Returns empty string for missing or malformed headers.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	// Must start with "Bearer " (case-sensitive per RFC 6750).
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// constantTimeEqual compares two strings in constant time so the token
// cannot be probed byte by byte.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthMiddleware validates the bearer token. Returns 401 Problem Details
// on failure. The expected token never appears in logs or responses.
func AuthMiddleware(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !constantTimeEqual(extractBearerToken(r), token) {
				logger.Warn("auth failure",
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("remote_ip", r.RemoteAddr))
				writeProblem(w, r, http.StatusUnauthorized, "Missing or invalid API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Tenant identification headers. Company and app are required on every
// authenticated route; user defaults to the system principal only on
// explicitly internal paths, so it is required here too.
const (
	headerCompanyID = "X-Company-ID"
	headerAppID     = "X-App-ID"
	headerUserID    = "X-User-ID"
	headerSessionID = "X-Session-ID"
)

// TenantMiddleware builds the tenant record from request headers and
// rejects malformed tuples before any handler runs.
func TenantMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := tenant.Context{
				CompanyID: r.Header.Get(headerCompanyID),
				AppID:     r.Header.Get(headerAppID),
				UserID:    r.Header.Get(headerUserID),
				SessionID: r.Header.Get(headerSessionID),
				RequestID: middleware.GetReqID(r.Context()),
			}
			if err := tc.Validate(); err != nil {
				writeProblem(w, r, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one line per request with the fields the rest of
// the service logs under.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			// Tenant context is attached further down the chain; the raw
			// headers are the only view this far out.
			if company := r.Header.Get(headerCompanyID); company != "" {
				fields = append(fields, zap.String("tenant", company+":"+r.Header.Get(headerAppID)))
			}
			logger.Info("request", fields...)
		})
	}
}

// RecoveryMiddleware catches panics and returns a 500 problem. Panic
// details are logged, never exposed to the client.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Error("panic recovered",
						zap.Any("error", recovered),
						zap.String("stack", string(debug.Stack())),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method))
					writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
