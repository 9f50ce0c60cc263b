package payment

import "github.com/google/uuid"

// opPhase 一次性操作的阶段
type opPhase int

const (
	opIdle opPhase = iota
	opRunning
	opDone
)

func (p opPhase) String() string {
	switch p {
	case opRunning:
		return "running"
	case opDone:
		return "done"
	default:
		return "idle"
	}
}

// onceOp 按 key（通常是订单号）记录的一次性操作：已创建、已拉取详情、已启动倒计时等。
// 阶段与令牌一起变化，“已完成但没人检查”的状态无法表达。
type onceOp struct {
	phase opPhase
	key   string
	token string
}

// begin 尝试进入 running；同一 key 已在运行或已完成时返回 false
func (o *onceOp) begin(key string) (string, bool) {
	if o.key == key && o.phase != opIdle {
		return "", false
	}
	o.phase = opRunning
	o.key = key
	o.token = uuid.NewString()
	return o.token, true
}

// finish 以令牌结束操作；ok=false 时回到 idle 以便重试
func (o *onceOp) finish(token string, ok bool) bool {
	if o.phase != opRunning || o.token != token {
		return false
	}
	if ok {
		o.phase = opDone
	} else {
		o.phase = opIdle
		o.token = ""
	}
	return true
}

// markDone 直接记为完成（数据已由其他路径取得）
func (o *onceOp) markDone(key string) bool {
	if o.key == key && o.phase == opDone {
		return false
	}
	o.phase = opDone
	o.key = key
	o.token = ""
	return true
}

func (o *onceOp) done(key string) bool {
	return o.key == key && o.phase == opDone
}

func (o *onceOp) active(key string) bool {
	return o.key == key && o.phase != opIdle
}

func (o *onceOp) reset() {
	*o = onceOp{}
}
