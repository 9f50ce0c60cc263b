package payment

import (
	"errors"
	"time"

	"dario.cat/mergo"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
)

// 状态写入来源
const (
	sourcePush   = "push"
	sourcePoll   = "poll"
	sourceDetail = "paid_detail"
)

// HandleMessage 推送通道的 status_update 监听器
func (s *Service) HandleMessage(msg model.Message) {
	status, ok := model.ParseOrderStatus(msg.Status)
	if !ok {
		s.logger.Warn("status update with unknown status", zap.String("order_id", msg.OrderID), zap.String("status", msg.Status))
		return
	}
	now := s.sched.Clock().Now()

	s.mu.Lock()
	o := s.sess.order
	if o == nil {
		s.mu.Unlock()
		s.logger.Debug("status update without active order", zap.String("order_id", msg.OrderID))
		return
	}
	adopted := false
	if msg.OrderID != "" && msg.OrderID != o.ID {
		if !o.Synthetic {
			s.mu.Unlock()
			s.logger.Debug("status update for another order ignored",
				zap.String("order_id", msg.OrderID), zap.String("current", o.ID))
			return
		}
		// 占位号只替换一次，此后订单号不可变
		o.ID = msg.OrderID
		o.Synthetic = false
		adopted = true
	}
	orderID := o.ID
	prev, changed := s.applyStatusLocked(status, msg.TransactionID, now, sourcePush)
	var saved *model.Order
	if adopted || changed {
		saved = o.Clone()
	}
	s.mu.Unlock()

	if adopted {
		s.logger.Info("adopted backend order id", zap.String("order_id", orderID))
	}
	if saved != nil {
		s.saveOrder(saved)
	}
	if changed {
		s.onStatus(orderID, prev, status, sourcePush)
	}
}

// applyStatusLocked 唯一修改 Order.Status 的入口。
// 观测时间早于最近一次已采纳写入的数据视为过期，直接丢弃。
func (s *Service) applyStatusLocked(status model.OrderStatus, txID string, observedAt time.Time, source string) (model.OrderStatus, bool) {
	o := s.sess.order
	prev := o.Status
	if observedAt.Before(s.sess.statusAt) {
		s.logger.Debug("stale status write discarded",
			zap.String("order_id", o.ID),
			zap.String("source", source),
			zap.String("status", string(status)),
			zap.String("current", string(prev)))
		return prev, false
	}
	s.sess.statusAt = observedAt
	patch := model.Order{Status: status, TransactionID: txID}
	if err := mergo.Merge(o, patch, mergo.WithOverride); err != nil {
		s.logger.Error("merge order patch failed", zap.Error(err))
		return prev, false
	}
	return prev, prev != o.Status
}

// onStatus 订单状态变化后的副作用（锁外调用）
func (s *Service) onStatus(orderID string, prev, cur model.OrderStatus, source string) {
	s.logger.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(prev)),
		zap.String("to", string(cur)),
		zap.String("source", source))
	s.record(model.EventStatus, orderID, string(cur), source)

	switch cur {
	case model.StatusWaitingPayment:
		s.enterWaitingPayment()
	case model.StatusProcessingPayment:
		_ = s.machine.Transition(paystate.ProcessingPayment)
	case model.StatusPayed:
		if source == sourcePush {
			s.fetchPaidDetail()
		}
	case model.StatusProcessing, model.StatusCompleted:
		s.robotConfirmed(orderID, source)
	case model.StatusFailed:
		s.paymentFailed(orderID)
	}
}

// enterWaitingPayment 进入待支付：押金计时、快速金额探测与状态轮询，各自每单只启动一次
func (s *Service) enterWaitingPayment() {
	if s.machine.Is(paystate.CreatingOrder) {
		_ = s.machine.Transition(paystate.WaitingPayment)
	}
	s.armDeposit(s.set.DepositTime)
	s.startAmountPoll()
	s.startPolling()
}

// startPolling 启动状态轮询（已在运行时忽略）
func (s *Service) startPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers.poll.Active() {
		return
	}
	s.timers.poll = s.sched.Every("status-poll", s.set.PaymentInterval, s.pollTick)
}

// CheckNow 立即对账一次（页面重新可见、推送通道恢复时调用），受最小间隔限制
func (s *Service) CheckNow() {
	s.pollTick()
}

// pollTick 拉取通道：进行中的请求未返回时跳过，距上次检查不足最小间隔时跳过，从不排队
func (s *Service) pollTick() bool {
	s.mu.Lock()
	o := s.sess.order
	if o == nil || s.sess.robotStarted || s.sess.queueFull {
		s.mu.Unlock()
		return false
	}
	if o.Synthetic {
		s.mu.Unlock()
		s.metrics.PollTicks.WithLabelValues("skipped").Inc()
		return true
	}
	if s.sess.paidDetail.active(s.sess.ref()) && !s.sess.paidDetail.done(s.sess.ref()) {
		s.mu.Unlock()
		s.metrics.PollTicks.WithLabelValues("inflight").Inc()
		return true
	}
	orderID := o.ID
	epoch := s.sess.epoch
	s.mu.Unlock()

	if !s.inflight.CompareAndSwap(false, true) {
		s.metrics.PollTicks.WithLabelValues("inflight").Inc()
		return true
	}
	defer s.releaseInflight()

	issued := s.sched.Clock().Now()
	if !s.limiter.AllowN(issued, 1) {
		s.metrics.PollTicks.WithLabelValues("skipped").Inc()
		return true
	}

	ctx, cancel := s.requestCtx()
	defer cancel()
	d, err := s.backend.OrderDetail(ctx, orderID)
	if err != nil {
		s.metrics.PollTicks.WithLabelValues("error").Inc()
		if errors.Is(err, backend.ErrCircuitOpen) {
			s.logger.Debug("status poll skipped, backend circuit open", zap.String("order_id", orderID))
		} else {
			s.logger.Warn("status poll failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return true
	}
	s.metrics.PollTicks.WithLabelValues("ok").Inc()
	s.applyDetail(epoch, orderID, d, issued, sourcePoll)
	return true
}

// releaseInflight 轮询请求结束；期间到达的 PAYED 推送在此补做详情拉取
// （轮询结果若已是 PAYED，详情已标记完成，补拉为空操作）
func (s *Service) releaseInflight() {
	s.mu.Lock()
	s.inflight.Store(false)
	pending := s.sess.paidPending
	s.sess.paidPending = false
	s.mu.Unlock()
	if pending {
		s.fetchPaidDetail()
	}
}

// fetchPaidDetail 推送报告 PAYED 后拉取一次完整详情；每单只执行一次。
// 与状态轮询共用 inflight 标记，同一时刻最多一个详情请求在途。
func (s *Service) fetchPaidDetail() {
	s.mu.Lock()
	if s.sess.order == nil || s.sess.order.Synthetic {
		s.mu.Unlock()
		return
	}
	ref := s.sess.ref()
	if s.sess.paidDetail.active(ref) {
		s.mu.Unlock()
		return
	}
	if !s.inflight.CompareAndSwap(false, true) {
		s.sess.paidPending = true
		orderID := s.sess.order.ID
		s.mu.Unlock()
		s.logger.Debug("paid detail deferred, poll request in flight", zap.String("order_id", orderID))
		return
	}
	tok, _ := s.sess.paidDetail.begin(ref)
	orderID := s.sess.order.ID
	epoch := s.sess.epoch
	s.mu.Unlock()
	defer s.releaseInflight()

	issued := s.sched.Clock().Now()
	ctx, cancel := s.requestCtx()
	defer cancel()
	d, err := s.backend.OrderDetail(ctx, orderID)
	if err != nil {
		s.logger.Warn("paid order detail fetch failed", zap.String("order_id", orderID), zap.Error(err))
		s.mu.Lock()
		s.sess.paidDetail.finish(tok, false)
		s.mu.Unlock()
		return
	}
	s.applyDetail(epoch, orderID, d, issued, sourceDetail)
	s.mu.Lock()
	s.sess.paidDetail.finish(tok, true)
	s.mu.Unlock()
}

// applyDetail 合并拉取到的订单详情并驱动后续判定
func (s *Service) applyDetail(epoch uint64, orderID string, d *model.OrderDetail, issued time.Time, source string) {
	s.mu.Lock()
	if !s.currentLocked(epoch) || s.sess.order.ID != orderID {
		s.mu.Unlock()
		s.logger.Debug("detail for a finished session discarded", zap.String("order_id", orderID))
		return
	}
	if d.ID != "" && d.ID != orderID {
		s.mu.Unlock()
		s.logger.Warn("detail for another order ignored", zap.String("order_id", orderID), zap.String("detail_id", d.ID))
		return
	}
	var (
		prev    model.OrderStatus
		changed bool
	)
	if st, ok := model.ParseOrderStatus(string(d.Status)); ok {
		prev, changed = s.applyStatusLocked(st, d.TransactionID, issued, source)
	}
	if d.QRCode != "" {
		s.sess.qrCode = d.QRCode
	}
	if d.AmountSum != nil {
		s.sess.amount = d.AmountSum.Float()
	}
	if d.QueuePosition != nil || d.QueueNumber != nil {
		s.sess.queue = d.Queue()
	}
	status := s.sess.order.Status
	ref := s.sess.ref()
	if status == model.StatusPayed {
		s.sess.paidDetail.markDone(ref)
	}
	var saved *model.Order
	if changed {
		saved = s.sess.order.Clone()
	}
	s.mu.Unlock()

	if saved != nil {
		s.saveOrder(saved)
		s.onStatus(orderID, prev, status, source)
	}
	if s.checkQueueFull(epoch, orderID, d.Queue()) {
		return
	}
	if status != model.StatusPayed {
		return
	}
	if d.QRCode == "" {
		s.startQRPoll()
	}
	s.settlePaid(epoch, orderID, d)
}

// settlePaid 成功判定：PAYED 且金额不低于价格减容差（多付同样算成功），
// 或金额为 0（后端不回传金额的支付方式）。
// 金额不足时转入 PROCESSING_PAYMENT 继续等待。成功一旦锁定不再回退。
func (s *Service) settlePaid(epoch uint64, orderID string, d *model.OrderDetail) {
	amount := 0.0
	if d.AmountSum != nil {
		amount = d.AmountSum.Float()
	}

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return
	}
	if s.sess.success {
		s.mu.Unlock()
		s.observeQueue(epoch, d.Queue())
		return
	}
	price := s.sess.price
	paid := amount == 0 || amount >= price-s.set.AmountTolerance
	if !paid {
		s.mu.Unlock()
		s.logger.Info("partial payment",
			zap.String("order_id", orderID),
			zap.Float64("amount", amount),
			zap.Float64("price", price))
		_ = s.machine.Transition(paystate.ProcessingPayment)
		return
	}
	s.sess.success = true
	s.sess.warning = false
	s.sess.errMsg = ""
	s.timers.stopPayment()
	s.sess.amountPoll.reset()
	s.mu.Unlock()

	s.logger.Info("payment confirmed",
		zap.String("order_id", orderID),
		zap.Float64("amount", amount),
		zap.Float64("price", price))
	_ = s.machine.Transition(paystate.PaymentSuccess)
	s.record(model.EventPaid, orderID, string(model.StatusPayed), "")
	s.observeQueue(epoch, d.Queue())
}

// robotConfirmed 后端报告洗车已开始
func (s *Service) robotConfirmed(orderID, source string) {
	s.mu.Lock()
	success := s.sess.success
	s.mu.Unlock()
	if !success {
		s.logger.Warn("robot status reported before payment confirmed",
			zap.String("order_id", orderID), zap.String("source", source))
		return
	}
	s.completeRobot(orderID)
}

// paymentFailed 后端报告支付失败
func (s *Service) paymentFailed(orderID string) {
	s.mu.Lock()
	s.timers.stopAll()
	s.sess.errMsg = payerr.MsgGeneric
	s.mu.Unlock()

	s.logger.Warn("payment failed", zap.String("order_id", orderID))
	_ = s.machine.Transition(paystate.PaymentError)
	s.record(model.EventError, orderID, string(model.StatusFailed), "payment failed")
	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn("clear persisted order failed", zap.Error(err))
	}
}

// startAmountPoll 快速金额探测：只为尽早发现刷卡，金额首次增加即切到 PROCESSING_PAYMENT 并停止
func (s *Service) startAmountPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.order == nil || s.sess.success {
		return
	}
	tok, ok := s.sess.amountPoll.begin(s.sess.ref())
	if !ok {
		return
	}
	epoch := s.sess.epoch
	baseline := s.sess.amount
	s.timers.amountPoll = s.sched.Every("amount-poll", s.set.AmountPollInterval, func() bool {
		return s.amountTick(epoch, tok, &baseline)
	})
}

func (s *Service) amountTick(epoch uint64, tok string, baseline *float64) bool {
	s.mu.Lock()
	if !s.currentLocked(epoch) || s.sess.success {
		s.mu.Unlock()
		return false
	}
	o := s.sess.order
	if o.Status != model.StatusWaitingPayment {
		s.sess.amountPoll.finish(tok, true)
		s.mu.Unlock()
		return false
	}
	if o.Synthetic || s.sess.paidDetail.active(s.sess.ref()) {
		s.mu.Unlock()
		return true
	}
	orderID := o.ID
	s.mu.Unlock()

	if !s.machine.Is(paystate.WaitingPayment) {
		s.mu.Lock()
		s.sess.amountPoll.finish(tok, true)
		s.mu.Unlock()
		return false
	}

	ctx, cancel := s.requestCtx()
	defer cancel()
	d, err := s.backend.OrderDetail(ctx, orderID)
	if err != nil {
		s.logger.Debug("amount poll failed", zap.String("order_id", orderID), zap.Error(err))
		return true
	}
	amount := 0.0
	if d.AmountSum != nil {
		amount = d.AmountSum.Float()
	}
	if amount <= *baseline {
		return true
	}

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return false
	}
	s.sess.amount = amount
	s.sess.amountPoll.finish(tok, true)
	s.mu.Unlock()

	s.logger.Info("payment in progress, amount increased",
		zap.String("order_id", orderID),
		zap.Float64("amount", amount),
		zap.Float64("previous", *baseline))
	_ = s.machine.Transition(paystate.ProcessingPayment)
	return false
}

// startQRPoll 详情缺少二维码时补拉，最多 QRPollMaxAttempts 次
func (s *Service) startQRPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.order == nil || s.sess.qrCode != "" {
		return
	}
	tok, ok := s.sess.qrPoll.begin(s.sess.ref())
	if !ok {
		return
	}
	epoch := s.sess.epoch
	attempts := 0
	s.timers.qrPoll = s.sched.Every("qr-poll", s.set.QRPollInterval, func() bool {
		attempts++
		return s.qrTick(epoch, tok, attempts)
	})
}

func (s *Service) qrTick(epoch uint64, tok string, attempt int) bool {
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return false
	}
	if s.sess.qrCode != "" {
		s.sess.qrPoll.finish(tok, true)
		s.mu.Unlock()
		return false
	}
	orderID := s.sess.order.ID
	s.mu.Unlock()

	ctx, cancel := s.requestCtx()
	defer cancel()
	d, err := s.backend.OrderDetail(ctx, orderID)
	if err == nil && d.QRCode != "" {
		s.mu.Lock()
		if s.currentLocked(epoch) {
			s.sess.qrCode = d.QRCode
			s.sess.qrPoll.finish(tok, true)
		}
		s.mu.Unlock()
		s.logger.Info("qr code received", zap.String("order_id", orderID), zap.Int("attempt", attempt))
		return false
	}
	if err != nil {
		s.logger.Debug("qr poll failed", zap.String("order_id", orderID), zap.Error(err))
	}
	if attempt >= s.set.QRPollMaxAttempts {
		s.logger.Warn("qr code not available, giving up", zap.String("order_id", orderID), zap.Int("attempts", attempt))
		s.mu.Lock()
		s.sess.qrPoll.finish(tok, true)
		s.mu.Unlock()
		return false
	}
	return true
}
