package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Limiter is satisfied by ratelimit.SlidingWindowLimiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
	Limit() int
}

// PerUserRateLimit throttles a route per authenticated user and route path.
// It must run after JWTAuth.
func PerUserRateLimit(limiter Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(string)
		key := c.Path()
		if userID != "" {
			key = userID + ":" + key
		} else {
			key = c.IP() + ":" + key
		}

		ok, wait := limiter.Allow(c.UserContext(), key)
		c.Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		if ok {
			return c.Next()
		}

		retryAfter := int(wait.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
			Success:   false,
			RequestID: requestID(c),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Error: ErrorDetail{
				Code:    codeRateLimited,
				Message: "too many requests",
				Details: map[string]any{"retry_after": retryAfter},
			},
		})
	}
}
