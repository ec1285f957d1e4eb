package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/pkg/response"
)

// RateLimiter is a fixed-window per-user limiter backed by Redis. Without a
// Redis client every request passes.
type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.Nop()
	}
	return &RateLimiter{redis: redisClient, log: log}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if rl.redis == nil || userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.log.Warn("Rate limiter unavailable", "key", key, "error", err)
			return c.Next()
		}

		// First hit opens the window.
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// GenerateLimit limits generation starts per user per hour.
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}
