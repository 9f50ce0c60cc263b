package payment

import (
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
)

// armDeposit 押金计时：到期前 TimeoutWarningTime 给出提示，到期取消订单并回到首页。每单只布置一次。
func (s *Service) armDeposit(d time.Duration) {
	now := s.sched.Clock().Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.order == nil || s.sess.success {
		return
	}
	if !s.sess.deposit.markDone(s.sess.ref()) {
		return
	}
	epoch := s.sess.epoch
	s.sess.deadline = now.Add(d)
	s.sess.warning = false
	s.timers.deposit = s.sched.After("deposit-timeout", d, func() { s.depositExpired(epoch) })
	if w := s.set.TimeoutWarningTime; w > 0 {
		at := d - w
		if at < 0 {
			at = 0
		}
		s.timers.warning = s.sched.After("deposit-warning", at, func() { s.depositWarning(epoch) })
	}
}

func (s *Service) depositWarning(epoch uint64) {
	s.mu.Lock()
	if !s.currentLocked(epoch) || s.sess.success {
		s.mu.Unlock()
		return
	}
	s.sess.warning = true
	orderID := s.sess.order.ID
	s.mu.Unlock()
	s.logger.Info("deposit time almost over", zap.String("order_id", orderID), zap.Duration("left", s.set.TimeoutWarningTime))
}

func (s *Service) depositExpired(epoch uint64) {
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return
	}
	orderID := s.sess.order.ID
	if s.sess.success {
		s.mu.Unlock()
		// 成功时计时器应已被清除
		s.logger.Error("deposit timer fired after payment success", zap.String("order_id", orderID))
		return
	}
	canonical := !s.sess.order.Synthetic
	s.mu.Unlock()

	s.logger.Warn("deposit time expired, cancelling order", zap.String("order_id", orderID))
	s.metrics.DepositTimeouts.Inc()
	if canonical {
		ctx, cancel := s.requestCtx()
		if err := s.backend.Cancel(ctx, orderID); err != nil {
			s.logger.Warn("cancel expired order failed", zap.String("order_id", orderID), zap.Error(err))
		}
		cancel()
	}
	s.record(model.EventTimeout, orderID, "", "")
	s.Reset("deposit_timeout")
	// 提示保留到下一次下单
	s.setError(payerr.MsgDepositExpire)
	s.navigate(s.set.HomePath)
}
