package health

import (
	"context"
	"time"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/transport"
)

// TransportStatus 推送通道状态（*transport.Manager 实现）
type TransportStatus interface {
	State() transport.State
	GaveUp() bool
	Attempts() int
}

// TransportChecker 推送通道检查器。
// 推送断开时仍有轮询兜底，所以最差只算降级。
type TransportChecker struct {
	ws TransportStatus
}

// NewTransportChecker 创建检查器
func NewTransportChecker(ws TransportStatus) *TransportChecker {
	return &TransportChecker{ws: ws}
}

// Name 返回检查器名称
func (c *TransportChecker) Name() string {
	return "transport"
}

// Check 执行健康检查
func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.ws.State()
	details := map[string]any{
		"state":    state.String(),
		"attempts": c.ws.Attempts(),
		"gave_up":  c.ws.GaveUp(),
	}

	status := StatusHealthy
	message := "ok"
	switch {
	case state == transport.StateOpen:
	case c.ws.GaveUp():
		status = StatusDegraded
		message = "push channel down, reconnect gave up; polling only"
	default:
		status = StatusDegraded
		message = "push channel reconnecting"
	}

	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}

// BreakerStatus 后端熔断器状态（*backend.Breaker 实现）
type BreakerStatus interface {
	State() backend.BreakerState
}

// BackendChecker 后端熔断器检查器：熔断打开时整体不健康
type BackendChecker struct {
	breaker BreakerStatus
}

// NewBackendChecker 创建检查器
func NewBackendChecker(b BreakerStatus) *BackendChecker {
	return &BackendChecker{breaker: b}
}

// Name 返回检查器名称
func (c *BackendChecker) Name() string {
	return "backend"
}

// Check 执行健康检查
func (c *BackendChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	res := CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]any{"circuit_breaker_state": state.String()},
	}
	switch state {
	case backend.BreakerOpen:
		res.Status = StatusUnhealthy
		res.Message = "backend circuit open"
	case backend.BreakerHalfOpen:
		res.Status = StatusDegraded
		res.Message = "backend circuit probing"
	}
	res.Latency = time.Since(start)
	return res
}
