package app

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	cfgpkg "github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
	"github.com/taoyao-code/carwash-kiosk/internal/transport"
)

// NewTransport 创建订单状态推送连接管理器
func NewTransport(cfg *cfgpkg.Config, clk clock.Clock, m *metrics.KioskMetrics, log *zap.Logger) *transport.Manager {
	t := cfg.Transport
	return transport.NewManager(cfg.WebSocketURL(), nil, transport.Options{
		ConnectTimeout:       t.ConnectTimeout,
		PingInterval:         t.PingInterval,
		ReconnectDelay:       t.ReconnectDelay,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
	}, clk, log, m)
}
