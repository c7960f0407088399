package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/saferoute/internal/apierrors"
)

// RateLimiter is a fixed-window per-client limiter backed by Redis so
// the quota holds across replicas.
type RateLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
	log    *logrus.Entry
}

// NewRateLimiter builds a limiter allowing max requests per window.
func NewRateLimiter(client *redis.Client, max int, window time.Duration, log *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		max:    max,
		window: window,
		log:    log.WithField("component", "middleware.ratelimit"),
	}
}

// Middleware enforces the quota per client IP. A Redis outage fails
// open: routing availability wins over quota precision.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	limited := apierrors.New(apierrors.KindRateLimited, "RATE_LIMITED", "Rate limit exceeded. Please slow down.")

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		windowStart := time.Now().Truncate(r.window)
		key := fmt.Sprintf("ratelimit:%s:%d", c.ClientIP(), windowStart.Unix())

		count, err := r.client.Incr(ctx, key).Result()
		if err != nil {
			r.log.WithError(err).Warn("rate limit check failed, allowing request")
			c.Next()
			return
		}
		if count == 1 {
			r.client.Expire(ctx, key, r.window)
		}

		if count > int64(r.max) {
			retryAfter := time.Until(windowStart.Add(r.window))
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			c.AbortWithStatusJSON(apierrors.Status(limited), apierrors.Envelope(limited, GetRequestID(c)))
			return
		}
		c.Next()
	}
}
