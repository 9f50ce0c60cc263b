package navigation

import (
	"context"
	"sync"
	"time"

	"github.com/taoyao-code/carwash-kiosk/internal/clock"
)

// Command 发给界面外壳的跳转指令，Seq 单调递增
type Command struct {
	Seq    uint64    `json:"seq"`
	Path   string    `json:"path"`
	Reload bool      `json:"reload"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Outbox 保存最近一条指令，界面外壳长轮询读取
type Outbox struct {
	mu      sync.Mutex
	cmd     Command
	changed chan struct{}
	clk     clock.Clock
}

// NewOutbox 创建指令箱
func NewOutbox(clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.Real()
	}
	return &Outbox{changed: make(chan struct{}), clk: clk}
}

// Navigate 实现 Navigator
func (o *Outbox) Navigate(path string) {
	o.publish(Command{Path: path})
}

// Reload 要求界面整页重载（看门狗使用）
func (o *Outbox) Reload(reason string) {
	o.publish(Command{Path: "/", Reload: true, Reason: reason})
}

func (o *Outbox) publish(c Command) {
	o.mu.Lock()
	c.Seq = o.cmd.Seq + 1
	c.At = o.clk.Now()
	o.cmd = c
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

// Latest 最近一条指令；Seq 为 0 表示尚无指令
func (o *Outbox) Latest() Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cmd
}

// Wait 阻塞直到出现 Seq 大于 after 的指令或 ctx 结束
func (o *Outbox) Wait(ctx context.Context, after uint64) (Command, error) {
	for {
		o.mu.Lock()
		cmd, ch := o.cmd, o.changed
		o.mu.Unlock()
		if cmd.Seq > after {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-ch:
		}
	}
}
