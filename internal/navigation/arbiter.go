// Package navigation 单飞跳转仲裁：同一时刻只允许一次页面跳转
package navigation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
)

// Navigator 界面外壳实现的跳转接口
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc 函数适配器
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// Arbiter 推送、轮询、排队控制器和看门狗可能在同一时刻各自决定跳转，
// 锁定窗口内到达的请求直接丢弃，不排队。
type Arbiter struct {
	mu      sync.Mutex
	locked  bool
	target  Navigator
	clk     clock.Clock
	window  time.Duration
	logger  *zap.Logger
	metrics *metrics.KioskMetrics
}

// NewArbiter 创建仲裁器，window 为释放窗口（默认 100ms）
func NewArbiter(target Navigator, clk clock.Clock, window time.Duration, logger *zap.Logger, m *metrics.KioskMetrics) *Arbiter {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{target: target, clk: clk, window: window, logger: logger, metrics: m}
}

// Navigate 请求跳转；被丢弃时返回 false
func (a *Arbiter) Navigate(path string) bool {
	a.mu.Lock()
	if a.locked {
		a.mu.Unlock()
		a.logger.Info("navigation dropped, another transition in flight", zap.String("path", path))
		if a.metrics != nil {
			a.metrics.NavigationDropped.Inc()
		}
		return false
	}
	a.locked = true
	a.mu.Unlock()

	a.clk.AfterFunc(a.window, func() {
		a.mu.Lock()
		a.locked = false
		a.mu.Unlock()
	})

	a.logger.Info("navigate", zap.String("path", path))
	if a.target != nil {
		a.target.Navigate(path)
	}
	return true
}

// Locked 是否处于锁定窗口
func (a *Arbiter) Locked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked
}
