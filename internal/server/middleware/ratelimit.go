package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/repository/redis"
)

// RateLimiter throttles requests per client IP using the Redis
// sliding-window counter.
type RateLimiter struct {
	cache  *redis.Cache
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// NewRateLimiter creates a rate limiting middleware allowing limit
// requests per minute per client.
func NewRateLimiter(cache *redis.Cache, perMinute int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		limit:  int64(perMinute),
		window: time.Minute,
		logger: logger.With(zap.String("middleware", "ratelimit")),
	}
}

// Middleware rejects requests over the limit with 429. When the Redis
// check itself fails the request is allowed through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("ratelimit:%s", clientIP(r))
		result, err := rl.cache.CheckRateLimit(r.Context(), key, rl.limit, rl.window)
		if err != nil {
			rl.logger.Warn("Rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(result.ResetAt).Seconds())+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":"rate_limited","message":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
