// Package paystate 收银会话状态机（与后端 OrderStatus 相互独立）
package paystate

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State 会话状态
type State string

const (
	Idle              State = "IDLE"
	CreatingOrder     State = "CREATING_ORDER"
	WaitingPayment    State = "WAITING_PAYMENT"
	ProcessingPayment State = "PROCESSING_PAYMENT"
	PaymentSuccess    State = "PAYMENT_SUCCESS"
	PaymentError      State = "PAYMENT_ERROR"
	QueueFull         State = "QUEUE_FULL"
	QueueWaiting      State = "QUEUE_WAITING"
	StartingRobot     State = "STARTING_ROBOT"
	RobotStarted      State = "ROBOT_STARTED"
)

// transitions 静态转换表，终态 RobotStarted 没有出边
var transitions = map[State][]State{
	Idle:              {CreatingOrder},
	CreatingOrder:     {WaitingPayment, PaymentError, Idle},
	WaitingPayment:    {ProcessingPayment, PaymentSuccess, PaymentError, QueueFull},
	ProcessingPayment: {PaymentSuccess, PaymentError, QueueFull},
	PaymentSuccess:    {QueueWaiting, StartingRobot, RobotStarted},
	PaymentError:      {Idle, CreatingOrder},
	QueueFull:         {Idle},
	QueueWaiting:      {StartingRobot, RobotStarted},
	StartingRobot:     {RobotStarted, PaymentError},
	RobotStarted:      {},
}

// ErrInvalidTransition 转换不在表中
var ErrInvalidTransition = errors.New("invalid payment state transition")

// IsValidTransition 纯函数：from→to 是否为表中的一条边
func IsValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 是否终态
func (s State) Terminal() bool { return s == RobotStarted }

// Machine 持有当前会话状态，所有变更必须经过 Transition
type Machine struct {
	mu       sync.Mutex
	state    State
	logger   *zap.Logger
	onChange func(from, to State)
}

// NewMachine 创建初始为 IDLE 的状态机
func NewMachine(logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{state: Idle, logger: logger}
}

// OnChange 注册状态变更回调（在锁外调用）
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State 当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is 当前状态是否为给定状态之一
func (m *Machine) Is(states ...State) bool {
	cur := m.State()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// Transition 执行一条表内转换；非法转换记录日志后拒绝，状态不变
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("payment state transition rejected",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	cb := m.onChange
	m.mu.Unlock()

	m.logger.Info("payment state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if cb != nil {
		cb(from, to)
	}
	return nil
}

// Reset 外部取消：无视转换表直接回到 IDLE
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.state
	m.state = Idle
	cb := m.onChange
	m.mu.Unlock()
	if from != Idle {
		m.logger.Info("payment state reset", zap.String("from", string(from)))
		if cb != nil {
			cb(from, Idle)
		}
	}
}
