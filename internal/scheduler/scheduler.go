// Package scheduler 可取消的周期/延时任务，替代分散在各处的 timer 簿记。
package scheduler

import (
	"sync"
	"time"

	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	"go.uber.org/zap"
)

// Handle 任务句柄
type Handle struct {
	mu       sync.Mutex
	timer    clock.Timer
	canceled bool
}

// Cancel 取消任务；已在执行中的回调不会被打断，但不会再被调度
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Active 任务是否仍有效
func (h *Handle) Active() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.canceled
}

// Scheduler 基于 Clock 的任务调度器
type Scheduler struct {
	clk    clock.Clock
	logger *zap.Logger
}

// New 创建调度器
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{clk: clk, logger: logger}
}

// Clock 返回底层时间源
func (s *Scheduler) Clock() clock.Clock { return s.clk }

// After 延时 d 执行一次 fn
func (s *Scheduler) After(name string, d time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.timer = s.clk.AfterFunc(d, func() {
		h.mu.Lock()
		if h.canceled {
			h.mu.Unlock()
			return
		}
		h.canceled = true
		h.timer = nil
		h.mu.Unlock()
		s.run(name, fn)
	})
	return h
}

// Every 每隔 interval 执行 fn，首次在一个间隔之后；fn 返回 false 时停止
func (s *Scheduler) Every(name string, interval time.Duration, fn func() bool) *Handle {
	h := &Handle{}
	var tick func()
	tick = func() {
		h.mu.Lock()
		if h.canceled {
			h.mu.Unlock()
			return
		}
		h.timer = nil
		h.mu.Unlock()

		cont := true
		s.run(name, func() { cont = fn() })

		h.mu.Lock()
		defer h.mu.Unlock()
		if !cont {
			h.canceled = true
			return
		}
		if !h.canceled {
			h.timer = s.clk.AfterFunc(interval, tick)
		}
	}
	h.mu.Lock()
	h.timer = s.clk.AfterFunc(interval, tick)
	h.mu.Unlock()
	return h
}

// run 执行回调并吞掉 panic，保证定时任务不会击穿组件边界
func (s *Scheduler) run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panic",
				zap.String("task", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}
