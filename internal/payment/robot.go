package payment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
)

// RobotResult 启动洗车的结果
type RobotResult string

const (
	RobotStarted        RobotResult = "started"
	RobotUnverified     RobotResult = "unverified"
	RobotBusy           RobotResult = "busy"
	RobotAlreadyStarted RobotResult = "already_started"
)

// StartRobot 手动启动洗车，仅在 PAYMENT_SUCCESS 下允许。按订单号加锁，重复调用为空操作。
// 启动后拉取详情核实：PROCESSING 或核实请求本身失败都跳转成功页；其他状态不跳转，等待后续推送。
func (s *Service) StartRobot(ctx context.Context) (RobotResult, error) {
	return s.startRobot(ctx, false)
}

// startRobot auto=true 为倒计时触发：排队清空后会话停留在 QUEUE_WAITING，也允许启动
func (s *Service) startRobot(ctx context.Context, auto bool) (RobotResult, error) {
	s.mu.Lock()
	var orderID string
	if s.sess.order != nil && !s.sess.order.Synthetic {
		orderID = s.sess.order.ID
	}
	success := s.sess.success
	queueFull := s.sess.queueFull
	queueReady := s.sess.queueReady
	epoch := s.sess.epoch
	ref := s.sess.ref()
	s.mu.Unlock()

	if orderID == "" {
		s.logger.Warn("start robot rejected", zap.Error(payerr.ErrNoOrderID))
		s.setError(payerr.Sanitize(payerr.ErrNoOrderID))
		return "", payerr.ErrNoOrderID
	}
	if queueFull {
		s.logger.Warn("start robot rejected, order cancelled by queue limit", zap.String("order_id", orderID))
		return "", payerr.ErrQueueFull
	}
	if !s.robotAllowed(success, queueReady, auto) {
		err := payerr.Validation(fmt.Sprintf("robot start not allowed in state %s", s.machine.State()))
		s.logger.Warn("start robot rejected", zap.String("order_id", orderID), zap.Error(err))
		return "", err
	}

	tok, ok := s.locks.TryAcquire("start-robot:" + orderID)
	if !ok {
		s.logger.Debug("start robot already in progress", zap.String("order_id", orderID))
		s.metrics.RobotStarts.WithLabelValues("busy").Inc()
		return RobotBusy, nil
	}
	defer s.locks.Release(tok)

	s.mu.Lock()
	if s.sess.epoch != epoch {
		s.mu.Unlock()
		return "", payerr.ErrNoOrderID
	}
	opToken, ok := s.sess.robot.begin(ref)
	if ok {
		s.timers.countdown.Cancel()
		s.sess.countdown = 0
	}
	s.mu.Unlock()
	if !ok {
		return RobotAlreadyStarted, nil
	}

	log := s.logger.With(zap.String("order_id", orderID))
	if err := s.machine.Transition(paystate.StartingRobot); err != nil {
		s.mu.Lock()
		s.sess.robot.finish(opToken, false)
		s.mu.Unlock()
		return "", err
	}

	err := s.set.Retry.Do(ctx, log, "start_robot", func(ctx context.Context) error {
		return s.backend.StartRobot(ctx, orderID)
	})
	if err != nil {
		log.Error("start robot failed", zap.Error(err))
		s.mu.Lock()
		if s.sess.epoch == epoch {
			s.sess.robot.finish(opToken, false)
			s.sess.errMsg = payerr.Sanitize(err)
		}
		s.mu.Unlock()
		_ = s.machine.Transition(paystate.PaymentError)
		s.metrics.RobotStarts.WithLabelValues("error").Inc()
		s.record(model.EventError, orderID, "", "start robot: "+err.Error())
		return "", err
	}

	s.mu.Lock()
	s.sess.robot.finish(opToken, true)
	s.mu.Unlock()

	d, verr := s.backend.OrderDetail(ctx, orderID)
	switch {
	case verr != nil:
		// 核实失败按已启动处理
		log.Warn("robot start verification failed, assuming started", zap.Error(verr))
	case d.Status == model.StatusProcessing:
	default:
		log.Warn("robot start not confirmed yet", zap.String("status", string(d.Status)))
		s.metrics.RobotStarts.WithLabelValues("unverified").Inc()
		return RobotUnverified, nil
	}
	s.completeRobot(orderID)
	return RobotStarted, nil
}

// robotAllowed 启动前置条件：支付已确认且会话处于 PAYMENT_SUCCESS；
// 启动进行中或已启动时交给操作锁与一次性标记处理
func (s *Service) robotAllowed(success, queueReady, auto bool) bool {
	if !success {
		return false
	}
	switch s.machine.State() {
	case paystate.PaymentSuccess, paystate.StartingRobot, paystate.RobotStarted:
		return true
	case paystate.QueueWaiting:
		return auto && queueReady
	}
	return false
}

// completeRobot 洗车已开始：停止全部定时任务、清除持久化订单并跳转成功页
func (s *Service) completeRobot(orderID string) {
	s.mu.Lock()
	if s.sess.robotStarted {
		s.mu.Unlock()
		return
	}
	s.sess.robotStarted = true
	s.sess.countdown = 0
	s.timers.stopAll()
	s.mu.Unlock()

	log := s.logger.With(zap.String("order_id", orderID))
	log.Info("robot started")
	_ = s.machine.Transition(paystate.RobotStarted)
	s.metrics.RobotStarts.WithLabelValues("ok").Inc()
	s.record(model.EventRobotStarted, orderID, string(model.StatusProcessing), "")

	ctx, cancel := s.requestCtx()
	defer cancel()
	if err := s.store.Clear(ctx); err != nil {
		log.Warn("clear persisted order failed", zap.Error(err))
	}
	s.navigate(s.set.SuccessPath)
}

// startCountdown 自动启动倒计时：每秒递减，归零时启动洗车。每个成功会话只启动一次
func (s *Service) startCountdown() {
	if !s.set.AutoStartRobot {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.order == nil || !s.sess.success || s.sess.robotStarted {
		return
	}
	if _, ok := s.sess.countdownOp.begin(s.sess.ref()); !ok {
		return
	}
	epoch := s.sess.epoch
	s.sess.countdown = int((s.set.StartRobotInterval + time.Second - 1) / time.Second)
	s.timers.countdown = s.sched.Every("robot-countdown", time.Second, func() bool {
		return s.countdownTick(epoch)
	})
}

func (s *Service) countdownTick(epoch uint64) bool {
	s.mu.Lock()
	if !s.currentLocked(epoch) || s.sess.robotStarted {
		s.mu.Unlock()
		return false
	}
	if s.sess.countdown > 0 {
		s.sess.countdown--
	}
	left := s.sess.countdown
	s.mu.Unlock()
	if left > 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.set.RequestTimeout*2)
	defer cancel()
	res, err := s.startRobot(ctx, true)
	if err != nil {
		s.logger.Warn("auto start robot failed", zap.Error(err))
	} else {
		s.logger.Info("auto start robot", zap.String("result", string(res)))
	}
	return false
}
