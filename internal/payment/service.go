// Package payment 收银会话编排：下单、状态对账、排队准入、押金超时与启动洗车。
//
// 所有共享会话数据由 Service.mu 保护；网络调用一律在锁外进行，
// 延时回调捕获会话 epoch，会话被重置后到达的回调直接丢弃。
package payment

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/oplock"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
	"github.com/taoyao-code/carwash-kiosk/internal/scheduler"
	"github.com/taoyao-code/carwash-kiosk/internal/storage"
)

// Backend 会话编排依赖的后端接口，由 *backend.Client 实现
type Backend interface {
	Pay(ctx context.Context, req backend.PayRequest) (*backend.PayResponse, error)
	OrderDetail(ctx context.Context, orderID string) (*model.OrderDetail, error)
	Cancel(ctx context.Context, orderID string) error
	StartRobot(ctx context.Context, orderID string) error
}

// Navigator 跳转仲裁器；请求被丢弃时返回 false
type Navigator interface {
	Navigate(path string) bool
}

// Recorder 订单流水
type Recorder interface {
	Record(ctx context.Context, ev model.SessionEvent) error
}

// ProgramLookup 按 ID 查找程序（恢复持久化订单时使用）
type ProgramLookup func(id string) (*model.Program, error)

// ErrBusy 同类操作正在进行，本次调用为空操作
var ErrBusy = errors.New("operation already in progress")

// Settings 会话编排参数
type Settings struct {
	DepositTime        time.Duration
	TimeoutWarningTime time.Duration
	PaymentInterval    time.Duration
	MinCheckInterval   time.Duration
	AmountPollInterval time.Duration
	AmountTolerance    float64
	MaxQueuePosition   int
	StartRobotInterval time.Duration
	AutoStartRobot     bool
	QRPollMaxAttempts  int
	QRPollInterval     time.Duration
	RequestTimeout     time.Duration
	HomePath           string
	SuccessPath        string
	Retry              backend.RetryPolicy
}

// DefaultSettings 默认参数
func DefaultSettings() Settings {
	return Settings{
		DepositTime:        60 * time.Second,
		TimeoutWarningTime: 15 * time.Second,
		PaymentInterval:    time.Second,
		MinCheckInterval:   500 * time.Millisecond,
		AmountPollInterval: 500 * time.Millisecond,
		AmountTolerance:    0.01,
		MaxQueuePosition:   2,
		StartRobotInterval: 20 * time.Second,
		AutoStartRobot:     true,
		QRPollMaxAttempts:  10,
		QRPollInterval:     time.Second,
		RequestTimeout:     60 * time.Second,
		HomePath:           "/",
		SuccessPath:        "/success",
		Retry:              backend.DefaultRetryPolicy(),
	}
}

// SettingsFromConfig 从配置构造
func SettingsFromConfig(cfg *config.Config) Settings {
	p := cfg.Payment
	s := Settings{
		DepositTime:        p.DepositTime,
		TimeoutWarningTime: p.TimeoutWarningTime,
		PaymentInterval:    p.PaymentInterval,
		MinCheckInterval:   p.PaymentInterval / 2,
		AmountPollInterval: p.AmountPollInterval,
		AmountTolerance:    p.AmountTolerance,
		MaxQueuePosition:   p.MaxQueuePosition,
		StartRobotInterval: p.StartRobotInterval,
		AutoStartRobot:     p.AutoStartRobot,
		QRPollMaxAttempts:  p.QRPollMaxAttempts,
		QRPollInterval:     p.QRPollInterval,
		RequestTimeout:     cfg.Backend.Timeout,
		HomePath:           cfg.App.HomePath,
		SuccessPath:        p.SuccessPath,
		Retry: backend.RetryPolicy{
			BaseDelay:  cfg.Retry.BaseDelay,
			Multiplier: cfg.Retry.Multiplier,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
		},
	}
	return s.normalize()
}

func (s Settings) normalize() Settings {
	d := DefaultSettings()
	if s.DepositTime <= 0 {
		s.DepositTime = d.DepositTime
	}
	if s.TimeoutWarningTime < 0 || s.TimeoutWarningTime >= s.DepositTime {
		s.TimeoutWarningTime = 0
	}
	if s.PaymentInterval <= 0 {
		s.PaymentInterval = d.PaymentInterval
	}
	if s.MinCheckInterval <= 0 {
		s.MinCheckInterval = s.PaymentInterval / 2
	}
	if s.AmountPollInterval <= 0 {
		s.AmountPollInterval = d.AmountPollInterval
	}
	if s.AmountTolerance < 0 {
		s.AmountTolerance = d.AmountTolerance
	}
	if s.MaxQueuePosition <= 0 {
		s.MaxQueuePosition = d.MaxQueuePosition
	}
	if s.StartRobotInterval <= 0 {
		s.StartRobotInterval = d.StartRobotInterval
	}
	if s.QRPollMaxAttempts <= 0 {
		s.QRPollMaxAttempts = d.QRPollMaxAttempts
	}
	if s.QRPollInterval <= 0 {
		s.QRPollInterval = d.QRPollInterval
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.HomePath == "" {
		s.HomePath = d.HomePath
	}
	if s.SuccessPath == "" {
		s.SuccessPath = d.SuccessPath
	}
	if s.Retry.BaseDelay <= 0 {
		sleep := s.Retry.Sleep
		s.Retry = d.Retry
		s.Retry.Sleep = sleep
	}
	return s
}

// Deps 外部依赖
type Deps struct {
	Backend   Backend
	Navigator Navigator
	Store     storage.OrderStore
	Journal   Recorder
	Programs  ProgramLookup
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger
	Metrics   *metrics.KioskMetrics
}

// session 单次购买会话的共享数据
type session struct {
	epoch uint64

	order   *model.Order
	program *model.Program
	price   float64

	qrCode   string
	amount   float64
	statusAt time.Time // 最近一次被采纳的状态写入的观测时间

	queue           model.QueueStatus
	queueFull       bool
	queueSeen       bool
	queueWasNonZero bool
	queueReady      bool

	success      bool
	robotStarted bool

	errMsg    string
	warning   bool
	deadline  time.Time
	countdown int

	created     onceOp
	deposit     onceOp
	amountPoll  onceOp
	paidDetail  onceOp
	qrPoll      onceOp
	queueCancel onceOp
	countdownOp onceOp
	robot       onceOp

	// paidPending PAYED 推送到达时轮询请求在途，待其结束后补拉详情
	paidPending bool
}

// ref 会话内一次性操作的键；订单号可能从占位号替换为真实号，epoch 不会变
func (ss *session) ref() string {
	return strconv.FormatUint(ss.epoch, 10)
}

type timers struct {
	poll       *scheduler.Handle
	amountPoll *scheduler.Handle
	qrPoll     *scheduler.Handle
	deposit    *scheduler.Handle
	warning    *scheduler.Handle
	countdown  *scheduler.Handle
}

func (t *timers) stopPayment() {
	t.amountPoll.Cancel()
	t.deposit.Cancel()
	t.warning.Cancel()
}

func (t *timers) stopAll() {
	t.poll.Cancel()
	t.qrPoll.Cancel()
	t.countdown.Cancel()
	t.stopPayment()
	*t = timers{}
}

// Service 收银会话编排器
type Service struct {
	set      Settings
	backend  Backend
	nav      Navigator
	store    storage.OrderStore
	journal  Recorder
	programs ProgramLookup
	sched    *scheduler.Scheduler
	machine  *paystate.Machine
	locks    *oplock.Locks
	limiter  *rate.Limiter
	inflight atomic.Bool
	logger   *zap.Logger
	metrics  *metrics.KioskMetrics

	mu     sync.Mutex
	sess   session
	timers timers
}

// New 创建会话编排器
func New(set Settings, deps Deps) *Service {
	set = set.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("payment")
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.New(nil, logger)
	}
	store := deps.Store
	if store == nil {
		store = storage.NewMemoryStore(time.Hour, sched.Clock().Now)
	}

	s := &Service{
		set:      set,
		backend:  deps.Backend,
		nav:      deps.Navigator,
		store:    store,
		journal:  deps.Journal,
		programs: deps.Programs,
		sched:    sched,
		machine:  paystate.NewMachine(logger),
		locks:    oplock.New(),
		limiter:  rate.NewLimiter(rate.Every(set.MinCheckInterval), 1),
		logger:   logger,
		metrics:  m,
	}
	s.machine.OnChange(func(_, to paystate.State) {
		s.metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	})
	return s
}

// Start 恢复未过期的持久化订单
func (s *Service) Start(ctx context.Context) error {
	o, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if o == nil {
		return nil
	}
	s.restore(ctx, o)
	return nil
}

// Stop 停止全部定时任务（不清除持久化订单）
func (s *Service) Stop() {
	s.mu.Lock()
	s.timers.stopAll()
	s.mu.Unlock()
}

func (s *Service) restore(ctx context.Context, o *model.Order) {
	log := s.logger.With(zap.String("order_id", o.ID))
	if s.programs == nil || o.ProgramID == "" {
		log.Warn("cannot restore order without program")
		_ = s.store.Clear(ctx)
		return
	}
	prog, err := s.programs(o.ProgramID)
	if err != nil {
		log.Warn("cannot restore order, program lookup failed", zap.Error(err))
		_ = s.store.Clear(ctx)
		return
	}
	price, err := prog.PriceValue()
	if err != nil {
		log.Warn("cannot restore order, bad program price", zap.Error(err))
		_ = s.store.Clear(ctx)
		return
	}
	switch o.Status {
	case model.StatusWaitingPayment, model.StatusProcessingPayment, model.StatusPayed, model.StatusCreatingOrder:
	default:
		log.Info("persisted order is not in a payment state, dropping", zap.String("status", string(o.Status)))
		_ = s.store.Clear(ctx)
		return
	}

	now := s.sched.Clock().Now()
	s.mu.Lock()
	s.sess.order = o.Clone()
	s.sess.program = prog
	s.sess.price = price
	s.sess.statusAt = now
	s.sess.created.markDone(s.sess.ref())
	s.mu.Unlock()

	_ = s.machine.Transition(paystate.CreatingOrder)
	_ = s.machine.Transition(paystate.WaitingPayment)

	remaining := s.set.DepositTime - now.Sub(o.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}
	log.Info("restored persisted order", zap.Duration("deposit_remaining", remaining))
	s.armDeposit(remaining)
	s.startPolling()
	if o.Status == model.StatusWaitingPayment {
		s.startAmountPoll()
	}
}

// Snapshot 供界面外壳读取的会话视图
type Snapshot struct {
	State          paystate.State    `json:"state"`
	Order          *model.Order      `json:"order,omitempty"`
	Program        *model.Program    `json:"program,omitempty"`
	QRCode         string            `json:"qrCode,omitempty"`
	AmountSum      float64           `json:"amountSum"`
	Queue          model.QueueStatus `json:"queue"`
	QueueFull      bool              `json:"queueFull"`
	PaymentSuccess bool              `json:"paymentSuccess"`
	RobotStarted   bool              `json:"robotStarted"`
	Error          string            `json:"error,omitempty"`
	TimeoutWarning bool              `json:"timeoutWarning"`
	SecondsLeft    int               `json:"secondsLeft"`
	Countdown      int               `json:"countdown"`
}

// Snapshot 返回当前会话的副本
func (s *Service) Snapshot() Snapshot {
	now := s.sched.Clock().Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:          s.machine.State(),
		Order:          s.sess.order.Clone(),
		QRCode:         s.sess.qrCode,
		AmountSum:      s.sess.amount,
		Queue:          s.sess.queue,
		QueueFull:      s.sess.queueFull,
		PaymentSuccess: s.sess.success,
		RobotStarted:   s.sess.robotStarted,
		Error:          s.sess.errMsg,
		TimeoutWarning: s.sess.warning,
		Countdown:      s.sess.countdown,
	}
	if s.sess.program != nil {
		p := *s.sess.program
		snap.Program = &p
	}
	if !s.sess.deadline.IsZero() && !s.sess.success {
		if left := s.sess.deadline.Sub(now); left > 0 {
			snap.SecondsLeft = int((left + time.Second - 1) / time.Second)
		}
	}
	return snap
}

// State 当前会话状态
func (s *Service) State() paystate.State { return s.machine.State() }

// PaymentActive 是否处于支付进行中（看门狗据此推迟重载）
func (s *Service) PaymentActive() bool {
	s.mu.Lock()
	o := s.sess.order
	var status model.OrderStatus
	if o != nil {
		status = o.Status
	}
	robotStarted := s.sess.robotStarted
	s.mu.Unlock()
	if robotStarted {
		return false
	}
	switch status {
	case model.StatusWaitingPayment, model.StatusPayed, model.StatusProcessingPayment:
		return true
	}
	return s.machine.Is(paystate.CreatingOrder, paystate.WaitingPayment, paystate.ProcessingPayment)
}

// Reset 丢弃当前会话：停止全部定时任务、清空订单、状态回到 IDLE
func (s *Service) Reset(reason string) {
	s.mu.Lock()
	s.timers.stopAll()
	orderID := ""
	if s.sess.order != nil {
		orderID = s.sess.order.ID
	}
	s.sess = session{epoch: s.sess.epoch + 1}
	s.mu.Unlock()

	s.machine.Reset()
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn("clear persisted order failed", zap.Error(err))
	}
	s.logger.Info("session reset", zap.String("reason", reason), zap.String("order_id", orderID))
}

// Cancel 用户返回：未支付成功的订单尽力在后端取消，然后重置会话
func (s *Service) Cancel(ctx context.Context) {
	s.mu.Lock()
	var orderID string
	if o := s.sess.order; o != nil && !o.Synthetic && !s.sess.success && !s.sess.queueFull {
		orderID = o.ID
	}
	s.mu.Unlock()

	if orderID != "" {
		if err := s.backend.Cancel(ctx, orderID); err != nil {
			s.logger.Warn("cancel order failed", zap.String("order_id", orderID), zap.Error(err))
		}
		s.record(model.EventCancelled, orderID, "", "user")
	}
	s.Reset("cancelled")
}

// Back 返回首页
func (s *Service) Back(ctx context.Context) {
	s.Cancel(ctx)
	s.navigate(s.set.HomePath)
}

func (s *Service) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.set.RequestTimeout)
}

func (s *Service) navigate(path string) {
	if s.nav == nil {
		return
	}
	s.nav.Navigate(path)
}

func (s *Service) transition(to paystate.State) bool {
	return s.machine.Transition(to) == nil
}

// record 写流水，失败只记日志
func (s *Service) record(kind model.EventKind, orderID, status, detail string) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev := model.SessionEvent{
		OrderID: orderID,
		Kind:    kind,
		Status:  status,
		Detail:  detail,
		At:      s.sched.Clock().Now(),
	}
	if err := s.journal.Record(ctx, ev); err != nil {
		s.logger.Warn("journal record failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Service) saveOrder(o *model.Order) {
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.store.Save(ctx, o); err != nil {
		s.logger.Warn("persist order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	s.sess.errMsg = msg
	s.mu.Unlock()
}

// currentLocked 回调捕获的 epoch 是否仍对应当前会话
func (s *Service) currentLocked(epoch uint64) bool {
	return s.sess.epoch == epoch && s.sess.order != nil
}
