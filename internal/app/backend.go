package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	cfgpkg "github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
)

// NewBackendClient 创建后端客户端与熔断器
func NewBackendClient(cfg cfgpkg.BackendConfig, m *metrics.KioskMetrics, log *zap.Logger) (*backend.Client, *backend.Breaker, error) {
	breaker := backend.NewBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, time.Now)
	breaker.SetStateChangeCallback(func(from, to backend.BreakerState) {
		log.Warn("backend circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	client, err := backend.NewClient(cfg.APIBaseURL, cfg.Timeout,
		backend.WithBreaker(breaker),
		backend.WithMetrics(m),
		backend.WithLogger(log),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, breaker, nil
}
