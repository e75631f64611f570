package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// Capability strings carried by API keys. Capabilities is a space-separated
// list on the key row; admin implies everything.
const (
	CapAdmin       = "admin"
	CapJobsRead    = "jobs:read"
	CapJobsExecute = "jobs:execute"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyAPIKey is the context key under which the authenticated
	// *db.APIKey is stored after successful token validation.
	contextKeyAPIKey contextKey = iota
)

// HashToken returns the SHA-256 hex digest of a raw API token. Only the hash
// is persisted; the raw token is shown once at creation.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the Bearer token in the Authorization header against
// the API key store. On success the key row is stored in the request context;
// on failure a 401 is written and the chain stops.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(keys repositories.APIKeyRepository, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			key, err := keys.GetByHash(r.Context(), HashToken(parts[1]))
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			// Last-used bookkeeping is best effort.
			if err := keys.TouchLastUsed(r.Context(), key.ID, time.Now().UTC()); err != nil {
				logger.Warn("touch api key last used", zap.Error(err))
			}

			ctx := context.WithValue(r.Context(), contextKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability allows the request to proceed only when the
// authenticated key carries the capability (or admin). Must run after
// Authenticate.
//
// Usage:
//
//	r.With(RequireCapability(CapJobsExecute)).Post("/jobs/{id}/run", h.Run)
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFromCtx(r.Context())
			if key == nil {
				// Should never happen if Authenticate runs first.
				ErrUnauthorized(w)
				return
			}
			if !hasCapability(key, capability) {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasCapability(key *db.APIKey, capability string) bool {
	for _, c := range strings.Fields(key.Capabilities) {
		if c == CapAdmin || c == capability {
			return true
		}
	}
	return false
}

// keyFromCtx retrieves the API key stored by the Authenticate middleware.
// Returns nil if the request is unauthenticated.
func keyFromCtx(ctx context.Context) *db.APIKey {
	key, _ := ctx.Value(contextKeyAPIKey).(*db.APIKey)
	return key
}

// RequestLogger returns a chi-compatible middleware that logs each request
// using the provided zap logger and feeds the API request metrics. Chi's
// middleware.RequestID is expected to run before this middleware so the
// request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
