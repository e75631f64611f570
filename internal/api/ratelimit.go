package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
)

// Rate limit classes. Each class keeps a token bucket per client IP.
const (
	ClassAuth   = "auth"
	ClassRead   = "read"
	ClassMutate = "mutate"
)

// Per-minute defaults applied when the settings key is absent.
var defaultLimits = map[string]int{
	ClassAuth:   5,
	ClassRead:   100,
	ClassMutate: 30,
}

// settings keys: "ratelimit.auth", "ratelimit.read", "ratelimit.mutate",
// each an integer requests-per-minute value.
const ratelimitPrefix = "ratelimit."

// RateLimiter keeps per-(class, client IP) token buckets. Limits are loaded
// from the settings store; Reload re-reads them and drops all in-flight
// buckets so changed limits take effect immediately.
type RateLimiter struct {
	settings repositories.SettingsRepository
	logger   *zap.Logger

	mu      sync.Mutex
	limits  map[string]int
	buckets map[string]*rate.Limiter // key: class + "|" + ip
}

// NewRateLimiter builds a limiter with limits loaded from settings.
func NewRateLimiter(settings repositories.SettingsRepository, logger *zap.Logger) *RateLimiter {
	l := &RateLimiter{
		settings: settings,
		logger:   logger.Named("ratelimit"),
		limits:   map[string]int{},
		buckets:  map[string]*rate.Limiter{},
	}
	l.Reload(context.Background())
	return l
}

// Reload re-reads the limits from settings and resets all buckets.
func (l *RateLimiter) Reload(ctx context.Context) {
	limits := map[string]int{}
	for class, def := range defaultLimits {
		limits[class] = def
	}

	values, err := l.settings.GetAllByPrefix(ctx, ratelimitPrefix)
	if err != nil {
		l.logger.Warn("load rate limits", zap.Error(err))
	} else {
		for key, value := range values {
			class := key[len(ratelimitPrefix):]
			if _, known := defaultLimits[class]; !known {
				continue
			}
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				limits[class] = n
			}
		}
	}

	l.mu.Lock()
	l.limits = limits
	l.buckets = map[string]*rate.Limiter{}
	l.mu.Unlock()
}

// Allow reports whether one request from ip is admitted under class.
func (l *RateLimiter) Allow(class, ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := class + "|" + ip
	bucket, ok := l.buckets[key]
	if !ok {
		perMinute := l.limits[class]
		if perMinute <= 0 {
			perMinute = defaultLimits[class]
		}
		bucket = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		l.buckets[key] = bucket
	}
	return bucket.Allow()
}

// Limit returns a middleware enforcing the class bucket per client IP.
// Expects chi's middleware.RealIP to have run so RemoteAddr reflects the
// actual client behind a reverse proxy.
func (l *RateLimiter) Limit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(class, clientIP(r)) {
				ErrTooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
