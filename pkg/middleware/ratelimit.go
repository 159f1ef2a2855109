package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/observability"
)

// RateLimitConfig is a fixed-window rate limit.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultAnonymousLimit is the limit applied per client IP.
func DefaultAnonymousLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultUserLimit is the limit applied per authenticated user.
func DefaultUserLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 1000, WindowDuration: time.Minute}
}

// RateLimiter is a redis-backed fixed-window counter shared across
// instances.
type RateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRateLimiter creates a limiter counting under the given key prefix.
func NewRateLimiter(redisClient *redis.Client, config RateLimitConfig, prefix string) *RateLimiter {
	return &RateLimiter{redis: redisClient, config: config, prefix: prefix}
}

// Allow counts a request against the key's window and reports whether it
// fits the limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.prefix + ":" + key

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// Remaining returns how many requests the key has left in its window.
func (rl *RateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.prefix+":"+key).Int()
	if err == redis.Nil {
		return rl.config.RequestsPerWindow, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until the key's window resets.
func (rl *RateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.prefix+":"+key).Result()
}

// RateLimit limits requests per caller: authenticated users by user id,
// anonymous callers by client IP. The system identity is exempt. Redis
// failures fail open so the limiter never takes the service down with it.
func RateLimit(redisClient *redis.Client, logger *observability.Logger) func(http.Handler) http.Handler {
	userLimiter := NewRateLimiter(redisClient, DefaultUserLimit(), "ratelimit:user")
	anonLimiter := NewRateLimiter(redisClient, DefaultAnonymousLimit(), "ratelimit:anon")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity := contextkeys.GetIdentity(ctx)

			if identity.IsSystem() {
				next.ServeHTTP(w, r)
				return
			}

			var key string
			var limiter *RateLimiter
			if identity.Type == auth.ActorUser {
				key = identity.ID
				limiter = userLimiter
			} else {
				key = clientIP(r)
				limiter = anonLimiter
			}

			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				tooManyRequests(ctx, w, limiter, key)
				return
			}

			if remaining, err := limiter.Remaining(ctx, key); err == nil {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(ctx context.Context, w http.ResponseWriter, limiter *RateLimiter, key string) {
	retryAfter := limiter.config.WindowDuration.Seconds()
	if ttl, err := limiter.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(fmt.Sprintf(`{"error":"rate limit exceeded","retry_after":%.0f}`, retryAfter)))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
