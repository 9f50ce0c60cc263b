package payment

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
)

// checkQueueFull 排队位置达到上限：进入 QUEUE_FULL，尽力取消订单（每单一次），阻止再次下单直到重置
func (s *Service) checkQueueFull(epoch uint64, orderID string, q model.QueueStatus) bool {
	if !q.Full(s.set.MaxQueuePosition) {
		return false
	}
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return true
	}
	s.sess.queue = q
	s.sess.queueFull = true
	s.sess.errMsg = payerr.MsgQueueFull
	first := s.sess.queueCancel.markDone(s.sess.ref())
	canonical := !s.sess.order.Synthetic
	s.timers.stopAll()
	s.mu.Unlock()

	if !first {
		return true
	}
	s.logger.Warn("wash queue full, cancelling order",
		zap.String("order_id", orderID),
		zap.Int("position", *q.Position),
		zap.Int("max", s.set.MaxQueuePosition))
	_ = s.machine.Transition(paystate.QueueFull)
	s.metrics.QueueFull.Inc()
	s.record(model.EventQueueFull, orderID, "", "")

	ctx, cancel := s.requestCtx()
	defer cancel()
	if canonical {
		if err := s.backend.Cancel(ctx, orderID); err != nil {
			s.logger.Warn("cancel order after queue full failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn("clear persisted order failed", zap.Error(err))
	}
	return true
}

// observeQueue 支付成功后的排队判定：
// 首次观测即为 0 直接放行；曾经非 0 后变为 0 时发出就绪并跳转到成功页。
func (s *Service) observeQueue(epoch uint64, q model.QueueStatus) {
	pos := 0
	if q.Position != nil {
		pos = *q.Position
	}

	s.mu.Lock()
	if !s.currentLocked(epoch) || s.sess.queueReady || s.sess.queueFull {
		s.mu.Unlock()
		return
	}
	orderID := s.sess.order.ID
	first := !s.sess.queueSeen
	s.sess.queueSeen = true
	if q.Position != nil || q.Number != nil {
		s.sess.queue = q
	}
	var ready, wasWaiting, startWaiting bool
	if pos == 0 {
		ready = true
		wasWaiting = s.sess.queueWasNonZero
		s.sess.queueReady = true
	} else if !s.sess.queueWasNonZero {
		s.sess.queueWasNonZero = true
		startWaiting = true
	}
	s.mu.Unlock()

	switch {
	case startWaiting:
		s.logger.Info("waiting in wash queue", zap.String("order_id", orderID), zap.Int("position", pos))
		_ = s.machine.Transition(paystate.QueueWaiting)
	case ready && wasWaiting:
		s.logger.Info("wash queue cleared", zap.String("order_id", orderID))
		s.navigate(s.set.SuccessPath)
		s.startCountdown()
	case ready && first:
		s.logger.Info("no queue, ready to start", zap.String("order_id", orderID))
		s.startCountdown()
	case ready:
		s.startCountdown()
	}
}
