// Package clock 为定时器/轮询提供可替换的时间源，测试中使用 Fake 精确推进时间。
package clock

import (
	"sync"
	"time"
)

// Timer 可停止的一次性定时器
type Timer interface {
	// Stop 停止定时器，返回 true 表示回调尚未触发
	Stop() bool
}

// Clock 时间源
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real 基于 time 包的时间源
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake 手动推进的时间源。Advance 在调用方 goroutine 中按到期顺序同步执行回调，
// 回调内注册的新定时器若在推进窗口内到期，同样会被执行。
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers map[int64]*fakeTimer
}

type fakeTimer struct {
	c   *Fake
	id  int64
	at  time.Time
	f   func()
	off bool
}

// NewFake 创建起始于 start 的假时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: make(map[int64]*fakeTimer)}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, id: c.seq, at: c.now.Add(d), f: f}
	c.timers[t.id] = t
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.off {
		return false
	}
	t.off = true
	delete(t.c.timers, t.id)
	return true
}

// Advance 推进时间并触发期间到期的全部定时器
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.off = true
		delete(c.timers, next.id)
		c.mu.Unlock()

		next.f()
	}
}

// Pending 当前未触发的定时器数量
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Fake) nextDueLocked(limit time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range c.timers {
		if t.at.After(limit) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.id < best.id) {
			best = t
		}
	}
	return best
}
