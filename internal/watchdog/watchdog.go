// Package watchdog 终端存活监控：心跳漂移检测、界面帧信号佐证与定期软重置
package watchdog

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
	"github.com/taoyao-code/carwash-kiosk/internal/scheduler"
)

// Reloader 整页重载界面外壳
type Reloader interface {
	Reload(reason string)
}

// PaymentGuard 支付进行中时推迟重载与软重置
type PaymentGuard interface {
	PaymentActive() bool
}

// Resetter 软重置：清空会话并回到首页
type Resetter interface {
	SoftReset()
}

// Options 看门狗参数
type Options struct {
	HeartbeatInterval time.Duration
	MaxHeartbeatDelay time.Duration
	FrozenThreshold   int
	RefreshInterval   time.Duration
}

func (o Options) normalize() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.MaxHeartbeatDelay <= 0 {
		o.MaxHeartbeatDelay = 30 * time.Second
	}
	if o.FrozenThreshold <= 0 {
		o.FrozenThreshold = 3
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Hour
	}
	return o
}

// Watchdog 心跳回调实际触发时间与预期时间之差超过阈值视为一次卡顿，
// 连续 FrozenThreshold 次后重载界面。帧信号只用于日志佐证，不单独触发重载。
type Watchdog struct {
	opts     Options
	sched    *scheduler.Scheduler
	reloader Reloader
	guard    PaymentGuard
	resetter Resetter
	logger   *zap.Logger
	metrics  *metrics.KioskMetrics

	mu           sync.Mutex
	lastBeat     time.Time
	lastFrame    time.Time
	consecutive  int
	resetPending bool
	heartbeat    *scheduler.Handle
	refresh      *scheduler.Handle

	// 统计
	statsChecks   int64
	statsDrifts   int64
	statsReloads  int64
	statsDeferred int64
}

// New 创建看门狗
func New(opts Options, sched *scheduler.Scheduler, reloader Reloader, guard PaymentGuard, resetter Resetter, logger *zap.Logger, m *metrics.KioskMetrics) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &Watchdog{
		opts:     opts.normalize(),
		sched:    sched,
		reloader: reloader,
		guard:    guard,
		resetter: resetter,
		logger:   logger.Named("watchdog"),
		metrics:  m,
	}
}

// Start 启动心跳与软重置任务
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.heartbeat.Active() {
		return
	}
	w.lastBeat = w.sched.Clock().Now()
	w.consecutive = 0
	w.heartbeat = w.sched.Every("watchdog-heartbeat", w.opts.HeartbeatInterval, w.beat)
	w.refresh = w.sched.Every("soft-reset", w.opts.RefreshInterval, w.refreshTick)
	w.logger.Info("watchdog started",
		zap.Duration("heartbeat_interval", w.opts.HeartbeatInterval),
		zap.Duration("max_delay", w.opts.MaxHeartbeatDelay),
		zap.Int("threshold", w.opts.FrozenThreshold),
		zap.Duration("refresh_interval", w.opts.RefreshInterval))
}

// Stop 停止
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.heartbeat.Cancel()
	w.refresh.Cancel()
	checks, drifts, reloads, deferred := w.statsChecks, w.statsDrifts, w.statsReloads, w.statsDeferred
	w.mu.Unlock()
	w.logger.Info("watchdog stopped",
		zap.Int64("checks", checks),
		zap.Int64("drifts", drifts),
		zap.Int64("reloads", reloads),
		zap.Int64("deferred", deferred))
}

// ReportFrame 界面外壳上报一次渲染帧
func (w *Watchdog) ReportFrame() {
	now := w.sched.Clock().Now()
	w.mu.Lock()
	w.lastFrame = now
	w.mu.Unlock()
}

func (w *Watchdog) paymentActive() bool {
	return w.guard != nil && w.guard.PaymentActive()
}

func (w *Watchdog) beat() bool {
	now := w.sched.Clock().Now()
	w.mu.Lock()
	w.statsChecks++
	// 直接比较距上次检查的实际间隔
	elapsed := now.Sub(w.lastBeat)
	w.lastBeat = now
	if elapsed > w.opts.MaxHeartbeatDelay {
		w.consecutive++
		w.statsDrifts++
	} else {
		w.consecutive = 0
	}
	count := w.consecutive
	frameAge := time.Duration(-1)
	if !w.lastFrame.IsZero() {
		frameAge = now.Sub(w.lastFrame)
	}
	resetPending := w.resetPending
	w.mu.Unlock()

	if count > 0 {
		w.logger.Warn("heartbeat drift detected",
			zap.Duration("elapsed", elapsed),
			zap.Int("consecutive", count),
			zap.String("frame_verdict", frameVerdict(frameAge, w.opts.MaxHeartbeatDelay)))
	}

	if count >= w.opts.FrozenThreshold {
		w.mu.Lock()
		w.consecutive = 0
		w.mu.Unlock()
		if w.paymentActive() {
			w.mu.Lock()
			w.statsDeferred++
			w.mu.Unlock()
			w.logger.Warn("freeze detected during payment, reload deferred")
			return true
		}
		w.mu.Lock()
		w.statsReloads++
		w.mu.Unlock()
		w.logger.Error("ui frozen, forcing reload", zap.Int("consecutive", count))
		w.metrics.WatchdogReloads.Inc()
		if w.reloader != nil {
			w.reloader.Reload("frozen")
		}
		return true
	}

	if resetPending && !w.paymentActive() {
		w.softReset()
	}
	return true
}

// frameVerdict 帧信号佐证结论
func frameVerdict(age, maxDelay time.Duration) string {
	switch {
	case age < 0:
		return "no_frames"
	case age <= maxDelay:
		return "frames_alive"
	default:
		return "frames_stalled"
	}
}

func (w *Watchdog) refreshTick() bool {
	if w.paymentActive() {
		w.mu.Lock()
		w.resetPending = true
		w.mu.Unlock()
		w.logger.Info("soft reset deferred, payment in progress")
		return true
	}
	w.softReset()
	return true
}

func (w *Watchdog) softReset() {
	w.mu.Lock()
	w.resetPending = false
	w.mu.Unlock()
	w.logger.Info("soft reset")
	w.metrics.SoftResets.Inc()
	if w.resetter != nil {
		w.resetter.SoftReset()
	}
}
