package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
)

const createLockKey = "create-order"

// CreateRequest 下单参数
type CreateRequest struct {
	Program *model.Program
	Method  model.PaymentMethod
	UCN     string
}

// CreateOrder 为所选程序在后端下单。
// 同一会话只会成功下单一次，重复调用返回已有订单；并发调用只有一个会真正发出请求。
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*model.Order, error) {
	if req.Program == nil {
		s.logger.Warn("create order rejected", zap.Error(payerr.ErrNoProgramSelected))
		s.setError(payerr.Sanitize(payerr.ErrNoProgramSelected))
		s.metrics.OrdersCreated.WithLabelValues("invalid").Inc()
		return nil, payerr.ErrNoProgramSelected
	}
	if req.Method == "" {
		req.Method = model.PaymentCard
	}
	if !req.Method.Valid() {
		err := payerr.Validation(fmt.Sprintf("unsupported payment method %q", req.Method))
		s.logger.Warn("create order rejected", zap.Error(err))
		s.metrics.OrdersCreated.WithLabelValues("invalid").Inc()
		return nil, err
	}
	price, err := req.Program.PriceValue()
	if err != nil {
		verr := payerr.Validation(err.Error())
		s.logger.Warn("create order rejected", zap.Error(verr))
		s.metrics.OrdersCreated.WithLabelValues("invalid").Inc()
		return nil, verr
	}

	s.mu.Lock()
	full := s.sess.queueFull || s.sess.queue.Full(s.set.MaxQueuePosition)
	s.mu.Unlock()
	if full {
		s.logger.Warn("create order rejected, queue full", zap.String("program_id", req.Program.ID))
		_ = s.machine.Transition(paystate.QueueFull)
		s.setError(payerr.MsgQueueFull)
		s.metrics.OrdersCreated.WithLabelValues("queue_full").Inc()
		return nil, payerr.ErrQueueFull
	}

	tok, ok := s.locks.TryAcquire(createLockKey)
	if !ok {
		s.logger.Debug("create order already in progress")
		s.metrics.OrdersCreated.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	defer s.locks.Release(tok)

	s.mu.Lock()
	ref := s.sess.ref()
	epoch := s.sess.epoch
	if s.sess.created.done(ref) && s.sess.order != nil {
		existing := s.sess.order.Clone()
		s.mu.Unlock()
		s.logger.Info("order already created for this session", zap.String("order_id", existing.ID))
		return existing, nil
	}
	opToken, ok := s.sess.created.begin(ref)
	s.mu.Unlock()
	if !ok {
		return nil, ErrBusy
	}

	if err := s.machine.Transition(paystate.CreatingOrder); err != nil {
		s.mu.Lock()
		s.sess.created.finish(opToken, false)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	prog := *req.Program
	s.sess.program = &prog
	s.sess.price = price
	s.sess.errMsg = ""
	s.mu.Unlock()

	log := s.logger.With(zap.String("program_id", prog.ID), zap.String("payment_type", string(req.Method)))
	payReq := backend.PayRequest{ProgramID: prog.ID, PaymentType: string(req.Method), UCN: req.UCN}
	var resp *backend.PayResponse
	err = s.set.Retry.Do(ctx, log, "pay", func(ctx context.Context) error {
		r, err := s.backend.Pay(ctx, payReq)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		s.mu.Lock()
		if s.sess.epoch == epoch {
			s.sess.created.finish(opToken, false)
			s.sess.errMsg = payerr.Sanitize(err)
		}
		s.mu.Unlock()
		log.Error("create order failed", zap.Error(err))
		_ = s.machine.Transition(paystate.PaymentError)
		s.metrics.OrdersCreated.WithLabelValues("error").Inc()
		s.record(model.EventError, "", "", "create order: "+err.Error())
		return nil, err
	}

	now := s.sched.Clock().Now()
	order := &model.Order{
		ID:            resp.CanonicalID(),
		ProgramID:     prog.ID,
		Status:        model.StatusWaitingPayment,
		PaymentMethod: req.Method,
		CreatedAt:     now,
	}
	if order.ID == "" {
		order.ID = "local-" + uuid.NewString()
		order.Synthetic = true
		log.Warn("backend returned no order id, using local placeholder", zap.String("order_id", order.ID))
	}

	s.mu.Lock()
	if s.sess.epoch != epoch {
		s.mu.Unlock()
		// 下单期间会话已被重置，新订单无人跟踪
		log.Warn("session reset while creating order, cancelling", zap.String("order_id", order.ID))
		if !order.Synthetic {
			if cerr := s.backend.Cancel(ctx, order.ID); cerr != nil {
				log.Warn("cancel orphan order failed", zap.Error(cerr))
			}
		}
		return nil, ErrBusy
	}
	s.sess.order = order
	s.sess.qrCode = resp.QRCode
	s.sess.statusAt = now
	s.sess.created.finish(opToken, true)
	s.mu.Unlock()

	log.Info("order created", zap.String("order_id", order.ID), zap.Bool("synthetic", order.Synthetic))
	s.metrics.OrdersCreated.WithLabelValues("ok").Inc()
	s.saveOrder(order)
	s.record(model.EventCreated, order.ID, string(order.Status), "")
	s.enterWaitingPayment()
	return order.Clone(), nil
}
