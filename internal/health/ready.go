package health

import (
	"context"
	"sync/atomic"
	"time"
)

// Readiness 启动阶段就绪标记：节目表已加载、持久化订单已恢复
type Readiness struct {
	catalogReady  atomic.Bool
	restoredReady atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetCatalogReady(v bool)    { r.catalogReady.Store(v) }
func (r *Readiness) SetSessionRestored(v bool) { r.restoredReady.Store(v) }

// Ready 总体就绪：各子系统均为 true
func (r *Readiness) Ready() bool {
	return r.catalogReady.Load() && r.restoredReady.Load()
}

// Name 作为检查器接入聚合器
func (r *Readiness) Name() string { return "startup" }

// Check 未就绪时不健康
func (r *Readiness) Check(ctx context.Context) CheckResult {
	res := CheckResult{
		Status:  StatusHealthy,
		Message: "ok",
		Details: map[string]any{
			"catalog_loaded":   r.catalogReady.Load(),
			"session_restored": r.restoredReady.Load(),
		},
		Latency: time.Microsecond,
	}
	if !r.Ready() {
		res.Status = StatusUnhealthy
		res.Message = "starting"
	}
	return res
}
