package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/ratelimit"
)

// ClientRateLimitMiddleware throttles requests per client IP with a sliding
// window. Refused requests get 429 and a Retry-After header.
func ClientRateLimitMiddleware(limiter *ratelimit.SlidingWindow) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := limiter.Acquire(c.ClientIP())
		if err == nil {
			c.Next()
			return
		}

		var rle *ratelimit.RateLimitError
		if !errors.As(err, &rle) {
			c.Next()
			return
		}
		seconds := int(math.Ceil(rle.RetryAfter.Seconds()))
		c.Header("Retry-After", fmt.Sprintf("%d", seconds))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limited",
			"message":     fmt.Sprintf("Too many requests. Try again in %d seconds.", seconds),
			"retry_after": seconds,
		})
		c.Abort()
	}
}
