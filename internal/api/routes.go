package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/api/middleware"
)

// RouteOptions 路由选项
type RouteOptions struct {
	Auth        middleware.AuthConfig
	RateLimit   middleware.RateLimitConfig
	Diagnostics bool
}

// RegisterKioskRoutes 注册界面外壳使用的本地 API
func RegisterKioskRoutes(r gin.IRouter, h *KioskHandler, opts RouteOptions, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := r.Group("/api")
	api.Use(middleware.RequestTracing(), middleware.RateLimit(opts.RateLimit, logger))
	if opts.Auth.Enabled {
		api.Use(middleware.APIKeyAuth(opts.Auth, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(opts.Auth.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	api.GET("/programs", h.ListPrograms)

	api.GET("/session", h.GetSession)
	api.POST("/session/back", h.Back)
	api.POST("/session/cancel", h.Cancel)
	api.POST("/orders", h.CreateOrder)
	api.POST("/robot/start", h.StartRobot)

	api.POST("/signals/visible", h.Visible)
	api.POST("/signals/frame", h.Frame)
	api.GET("/navigation", h.Navigation)

	api.GET("/loyalty", h.Loyalty)
	api.GET("/ucn", h.UCN)
	api.POST("/reader/open", h.OpenReader)

	if opts.Diagnostics {
		api.POST("/diagnostics/status", h.DiagnosticStatus)
		logger.Warn("diagnostic routes enabled")
	}

	logger.Info("kiosk routes registered", zap.Bool("diagnostics", opts.Diagnostics))
}
