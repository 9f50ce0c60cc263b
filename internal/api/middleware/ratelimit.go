package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled   bool
	PerSecond int
	Burst     int
}

// RateLimit 全局令牌桶限流。单机单前端，不区分来源
func RateLimit(cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	if !cfg.Enabled || cfg.PerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.PerSecond
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn("api rate limited",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "请求过于频繁",
			})
			return
		}
		c.Next()
	}
}
