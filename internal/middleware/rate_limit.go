package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"meter/internal/util"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter 按客户端 IP 的令牌桶限流
type RateLimiter struct {
	limiters sync.Map
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:  rate.Limit(rps),
		burst: burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, _ := rl.limiters.LoadOrStore(key, rate.NewLimiter(rl.rate, rl.burst))
	return v.(*rate.Limiter)
}

func (rl *RateLimiter) RateLimitByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())

		if !limiter.Allow() {
			retryAfter := time.Second
			if rl.rate > 0 {
				retryAfter = time.Duration(float64(time.Second) / float64(rl.rate))
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.999)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				util.NewStandardError(http.StatusTooManyRequests, util.CodeRateLimitExceeded, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
