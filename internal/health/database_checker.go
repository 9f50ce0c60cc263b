package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// JournalChecker 订单流水数据库检查器。流水是可选能力，失败只算降级
type JournalChecker struct {
	pool *pgxpool.Pool
}

// NewJournalChecker 创建检查器
func NewJournalChecker(pool *pgxpool.Pool) *JournalChecker {
	return &JournalChecker{pool: pool}
}

// Name 返回检查器名称
func (c *JournalChecker) Name() string {
	return "journal"
}

// Check 执行健康检查
func (c *JournalChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.pool.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.pool.Stat()
	utilization := 0.0
	if stats.MaxConns() > 0 {
		utilization = float64(stats.AcquiredConns()) / float64(stats.MaxConns())
	}

	status := StatusHealthy
	message := "ok"
	if utilization >= 1.0 {
		status = StatusDegraded
		message = "connection pool exhausted"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"total_conns":    stats.TotalConns(),
			"idle_conns":     stats.IdleConns(),
			"acquired_conns": stats.AcquiredConns(),
			"max_conns":      stats.MaxConns(),
			"utilization":    fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}
