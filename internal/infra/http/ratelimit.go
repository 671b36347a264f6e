package http

import (
	"net/http"
	"strconv"
	"time"

	"beacon/internal/domain"

	"github.com/gin-gonic/gin"
)

const (
	routeReports = "reports"
	routeEmbeds  = "embeds"
)

// rateLimited limits each client IP per route. Limiter errors fail open
// unless RATE_LIMIT_FAIL_CLOSED is set.
func (s *Server) rateLimited(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil || s.rateLimitRequests <= 0 {
			c.Next()
			return
		}
		key := route + ":" + c.ClientIP()
		decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitRequests, s.rateLimitWindow)
		if err != nil {
			s.log.Warn().Err(err).Str("route", route).Msg("rate limiter unavailable")
			if s.rateLimitFailClosed {
				writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
				c.Abort()
				return
			}
			c.Next()
			return
		}
		setRateLimitHeaders(c.Writer.Header(), decision, time.Now())
		if !decision.Allowed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(h http.Header, decision domain.RateLimitDecision, now time.Time) {
	h.Set("RateLimit-Limit", strconv.Itoa(decision.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
	if decision.ResetAt.IsZero() {
		return
	}
	// RateLimit-Reset is delta seconds; Retry-After only accompanies a 429.
	wait := int64(max(decision.ResetAt.Sub(now).Seconds(), 0))
	h.Set("RateLimit-Reset", strconv.FormatInt(wait, 10))
	if !decision.Allowed {
		h.Set("Retry-After", strconv.FormatInt(wait, 10))
	}
}
