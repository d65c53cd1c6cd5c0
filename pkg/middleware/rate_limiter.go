package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jordanlanch/funnelsync/pkg/models"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per client IP
type RateLimiter struct {
	visitors map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit // requests per second
	b        int        // burst
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        burst,
	}
}

// GetLimiter returns the rate limiter for the given IP
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.r, rl.b)
		rl.visitors[ip] = limiter
	}

	return limiter
}

// Cleanup removes visitors whose bucket is full again, every interval until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, limiter := range rl.visitors {
		if limiter.Tokens() >= float64(rl.b) {
			delete(rl.visitors, ip)
		}
	}
}

// Visitors returns the number of tracked IPs
func (rl *RateLimiter) Visitors() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// RateLimitMiddleware creates an Echo middleware for rate limiting
func (rl *RateLimiter) RateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = c.Request().RemoteAddr
			}

			if !rl.GetLimiter(ip).Allow() {
				return c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
					Error:   "rate_limit_exceeded",
					Message: "Too many requests. Please try again later.",
				})
			}

			return next(c)
		}
	}
}
