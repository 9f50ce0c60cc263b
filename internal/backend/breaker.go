package backend

import (
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常状态，允许请求通过
	BreakerOpen                         // 熔断状态，拒绝所有请求
	BreakerHalfOpen                     // 半开状态，允许一个请求试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen 熔断器打开，拒绝请求
var ErrCircuitOpen = errors.New("backend circuit breaker is open")

// Breaker 轮询路径的熔断器：后端持续不可用时不再每秒请求
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	probing      bool

	threshold int
	timeout   time.Duration
	now       func() time.Time

	onStateChange func(from, to BreakerState)
}

// NewBreaker 创建熔断器
func NewBreaker(threshold int, timeout time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{state: BreakerClosed, threshold: threshold, timeout: timeout, now: now}
}

// Call 执行函数，受熔断器保护
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailTime) < b.timeout {
			return ErrCircuitOpen
		}
		b.transitionTo(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failureCount = 0
		b.transitionTo(BreakerClosed)
		return
	}
	// 业务拒绝（4xx）说明后端可达，不计入失败
	if !countsAsFailure(err) {
		return
	}
	b.failureCount++
	b.lastFailTime = b.now()
	if b.state == BreakerHalfOpen || b.failureCount >= b.threshold {
		b.transitionTo(BreakerOpen)
	}
}

func (b *Breaker) transitionTo(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetStateChangeCallback 设置状态变化回调（异步调用）
func (b *Breaker) SetStateChangeCallback(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Reset 手动恢复
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probing = false
	b.transitionTo(BreakerClosed)
}
