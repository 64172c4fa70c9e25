package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"carelink/pkg/cache"
	"carelink/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc names the budget a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientIPKey charges requests to the client address.
func ClientIPKey(c *gin.Context) string {
	return "ip:" + clientIP(c.Request)
}

// CallerKey charges authenticated requests to their credential and falls
// back to the client address. It must run after RoomAuthMiddleware.
func CallerKey(c *gin.Context) string {
	if caller := c.GetString(ContextCaller); caller != "" {
		return "caller:" + caller
	}
	return ClientIPKey(c)
}

// clientIP prefers the first X-Forwarded-For hop when it parses as an
// address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitConfig bounds the request rate per key and, when MaxConcurrent
// > 0, requests in flight overall. Budgets idle for IdleTTL are dropped.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	MaxConcurrent     int
	Key               KeyFunc
	IdleTTL           time.Duration
}

// NewHTTPRateLimitMiddleware rejects requests over their key's budget with
// 429 and a Retry-After derived from the token bucket.
func NewHTTPRateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	if cfg.Key == nil {
		cfg.Key = ClientIPKey
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	limiters := cache.New[*rate.Limiter](cfg.IdleTTL)
	limiterFor := func(ctx context.Context, key string) *rate.Limiter {
		l, _ := limiters.GetOrLoad(ctx, key, func(context.Context) (*rate.Limiter, error) {
			return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst), nil
		})
		return l
	}

	var inFlight chan struct{}
	if cfg.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   string(errors.ErrCodeServiceUnavailable),
					"message": "too many concurrent requests",
				})
				return
			}
		}

		r := limiterFor(c.Request.Context(), cfg.Key(c)).Reserve()
		if !r.OK() || r.Delay() > 0 {
			retryAfter := 1
			if r.OK() {
				retryAfter = max(1, int(math.Ceil(r.Delay().Seconds())))
			}
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   string(errors.ErrCodeRateLimit),
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
