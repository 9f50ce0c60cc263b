package app

import (
	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/health"
)

// NewHealthAggregator 创建健康检查聚合器：启动就绪、推送通道、后端熔断
func NewHealthAggregator(ready *health.Readiness, ws health.TransportStatus, breaker *backend.Breaker) *health.Aggregator {
	return health.NewAggregator(
		ready,
		health.NewTransportChecker(ws),
		health.NewBackendChecker(breaker),
	)
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}
