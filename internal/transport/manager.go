// Package transport 订单状态推送通道：维护唯一一条 WebSocket 连接，
// 负责重连、健康探测，并按消息类型分发给订阅者。
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/scheduler"
)

// State 连接状态
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ErrAlreadyConnected 已存在连接或正在连接
var ErrAlreadyConnected = errors.New("websocket already connected or connecting")

// Options 连接参数
type Options struct {
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func (o *Options) normalize() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
}

// Listener 消息订阅回调
type Listener func(msg model.Message)

type listenerEntry struct {
	id int64
	fn Listener
}

// Manager WebSocket 连接管理器，显式 Connect/Close 生命周期
type Manager struct {
	url     string
	dialer  Dialer
	opts    Options
	sched   *scheduler.Scheduler
	logger  *zap.Logger
	metrics *metrics.KioskMetrics

	mu        sync.Mutex
	state     State
	conn      Conn
	gen       int64
	attempts  int
	gaveUp    bool
	stopped   bool
	reconnect *scheduler.Handle
	ping      *scheduler.Handle
	writeMu   sync.Mutex

	lmu       sync.RWMutex
	listeners map[model.MessageType][]listenerEntry
	nextID    int64
}

// NewManager 创建连接管理器
func NewManager(url string, dialer Dialer, opts Options, clk clock.Clock, logger *zap.Logger, m *metrics.KioskMetrics) *Manager {
	opts.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = NewGorillaDialer(opts.ConnectTimeout)
	}
	return &Manager{
		url:       url,
		dialer:    dialer,
		opts:      opts,
		sched:     scheduler.New(clk, logger),
		logger:    logger.Named("transport"),
		metrics:   m,
		listeners: make(map[model.MessageType][]listenerEntry),
	}
}

// Subscribe 按消息类型注册监听；同类型可注册多个，按注册顺序调用。返回取消订阅函数。
func (m *Manager) Subscribe(t model.MessageType, fn Listener) (unsubscribe func()) {
	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[t] = append(m.listeners[t], listenerEntry{id: id, fn: fn})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			list := m.listeners[t]
			for i, e := range list {
				if e.id == id {
					m.listeners[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Connect 建立连接；已连接或正在连接时返回 ErrAlreadyConnected
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateClosed {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.dialer.DialContext(dctx, m.url, nil)
	cancel()

	if err != nil {
		m.logger.Warn("websocket connect failed", zap.String("url", m.url), zap.Error(err))
		m.handleClose(gen, websocket.CloseAbnormalClosure)
		return fmt.Errorf("websocket connect: %w", err)
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.gaveUp = false
	m.ping = m.sched.Every("ws-ping", m.opts.PingInterval, func() bool {
		return m.sendPing(gen)
	})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WSConnected.Set(1)
	}
	m.logger.Info("websocket connected", zap.String("url", m.url))

	go m.readLoop(gen, conn)
	return nil
}

func (m *Manager) readLoop(gen int64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			m.logger.Info("websocket read ended", zap.Int("code", code), zap.Error(err))
			m.handleClose(gen, code)
			return
		}
		m.dispatch(data)
	}
}

// handleClose 处理连接关闭；非正常关闭按固定间隔重连，超过次数后放弃
func (m *Manager) handleClose(gen int64, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state == StateClosed {
		return
	}
	if m.ping != nil {
		m.ping.Cancel()
		m.ping = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateClosed
	if m.metrics != nil {
		m.metrics.WSConnected.Set(0)
	}

	if m.stopped || code == websocket.CloseNormalClosure {
		return
	}
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.gaveUp = true
		m.logger.Error("websocket reconnect attempts exhausted, giving up",
			zap.Int("attempts", m.attempts))
		return
	}
	m.attempts++
	attempt := m.attempts
	if m.metrics != nil {
		m.metrics.WSReconnects.Inc()
	}
	m.logger.Info("websocket reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Int("max", m.opts.MaxReconnectAttempts),
		zap.Duration("delay", m.opts.ReconnectDelay))
	m.reconnect = m.sched.After("ws-reconnect", m.opts.ReconnectDelay, func() {
		_ = m.dial(context.Background())
	})
}

// OnVisible 页面重新可见：未连接且不在连接中时重置计数并立即重连。
// 页面隐藏时不主动断开。
func (m *Manager) OnVisible() {
	m.mu.Lock()
	if m.stopped || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.gaveUp = false
	if m.reconnect != nil {
		m.reconnect.Cancel()
		m.reconnect = nil
	}
	m.mu.Unlock()

	m.logger.Info("page visible, reconnecting websocket")
	_ = m.dial(context.Background())
}

// Close 主动关闭，不再自动重连
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Cancel()
		m.reconnect = nil
	}
	if m.ping != nil {
		m.ping.Cancel()
		m.ping = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateClosed
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WSConnected.Set(0)
	}
	if conn == nil {
		return nil
	}
	m.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	return conn.Close()
}

// Start 生命周期别名
func (m *Manager) Start(ctx context.Context) error { return m.Connect(ctx) }

// Stop 生命周期别名
func (m *Manager) Stop() error { return m.Close() }

func (m *Manager) sendPing(gen int64) bool {
	m.mu.Lock()
	conn := m.conn
	alive := gen == m.gen && conn != nil
	m.mu.Unlock()
	if !alive {
		return false
	}
	m.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn("websocket ping failed", zap.Error(err))
	}
	return true
}

// dispatch 解析并分发消息；畸形消息记录后丢弃
func (m *Manager) dispatch(data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("malformed websocket message dropped",
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.WSMessages.WithLabelValues(string(msg.Type)).Inc()
	}

	m.lmu.RLock()
	list := append([]listenerEntry(nil), m.listeners[msg.Type]...)
	m.lmu.RUnlock()

	for _, e := range list {
		m.invoke(e, msg)
	}
}

func (m *Manager) invoke(e listenerEntry, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("websocket listener panic",
				zap.String("type", string(msg.Type)),
				zap.Any("panic", r))
		}
	}()
	e.fn(msg)
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected 是否已连接
func (m *Manager) Connected() bool { return m.State() == StateOpen }

// GaveUp 是否已放弃自动重连
func (m *Manager) GaveUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaveUp
}

// Attempts 当前连续重连次数
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
