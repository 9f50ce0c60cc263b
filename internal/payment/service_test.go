package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
)

func TestResetStopsEverything(t *testing.T) {
	h := newHarness(t)
	h.create(t)
	require.NotZero(t, h.clk.Pending())

	h.svc.Reset("test")
	assert.Zero(t, h.clk.Pending())
	assert.Equal(t, paystate.Idle, h.svc.State())
	assert.Nil(t, h.svc.Snapshot().Order)

	stored, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)

	// 重置后到达的推送被忽略
	h.svc.HandleMessage(push(model.StatusPayed, "42"))
	assert.Nil(t, h.svc.Snapshot().Order)
}

func TestBackCancelsUnpaidOrder(t *testing.T) {
	h := newHarness(t)
	o := h.create(t)

	h.svc.Back(context.Background())
	assert.Equal(t, []string{o.ID}, h.be.cancelled())
	assert.Equal(t, []string{"/"}, h.nav.visited())
	assert.Equal(t, paystate.Idle, h.svc.State())
	assert.Contains(t, h.journal.kinds(), model.EventCancelled)
}

func TestBackAfterPaymentDoesNotCancel(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.AutoStartRobot = false })
	o := h.create(t)
	h.be.setDetail(func(int) (*model.OrderDetail, error) { return paidDetail(o.ID, 300), nil })
	h.svc.HandleMessage(push(model.StatusPayed, o.ID))

	h.svc.Back(context.Background())
	assert.Empty(t, h.be.cancelled())
}

func TestPaymentActive(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.AutoStartRobot = false })
	assert.False(t, h.svc.PaymentActive())

	o := h.create(t)
	assert.True(t, h.svc.PaymentActive())

	// 部分支付：PAYED 但金额不足
	h.be.setDetail(func(int) (*model.OrderDetail, error) { return paidDetail(o.ID, 100), nil })
	h.svc.HandleMessage(push(model.StatusPayed, o.ID))
	assert.False(t, h.svc.Snapshot().PaymentSuccess)
	assert.True(t, h.svc.PaymentActive())

	h.svc.Reset("test")
	assert.False(t, h.svc.PaymentActive())
}

func TestStartRestoresPersistedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, &model.Order{
		ID:        "900",
		ProgramID: "1",
		Status:    model.StatusWaitingPayment,
		CreatedAt: testStart.Add(-20 * time.Second),
	}))

	require.NoError(t, h.svc.Start(ctx))
	snap := h.svc.Snapshot()
	require.NotNil(t, snap.Order)
	assert.Equal(t, "900", snap.Order.ID)
	assert.Equal(t, paystate.WaitingPayment, snap.State)
	assert.Equal(t, 40, snap.SecondsLeft)

	// 恢复后不重新下单
	_, err := h.svc.CreateOrder(ctx, CreateRequest{Program: testProgram})
	require.NoError(t, err)
	pay, _, _ := h.be.counts()
	assert.Zero(t, pay)

	h.clk.Advance(41 * time.Second)
	assert.Equal(t, []string{"900"}, h.be.cancelled())
}

func TestStartDropsFinishedPersistedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, &model.Order{ID: "901", ProgramID: "1", Status: model.StatusCompleted, CreatedAt: testStart}))

	require.NoError(t, h.svc.Start(ctx))
	assert.Nil(t, h.svc.Snapshot().Order)
	stored, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCheckNowRespectsMinInterval(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	h.svc.CheckNow()
	h.svc.CheckNow()
	_, detail, _ := h.be.counts()
	assert.Equal(t, 1, detail, "second check within the minimum interval is skipped")

	h.clk.Advance(time.Second)
	h.svc.CheckNow()
	_, after, _ := h.be.counts()
	// 500ms 金额探测两次 + 1s 轮询一次；紧随其后的手动检查被跳过
	assert.Equal(t, detail+3, after)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Payment.DepositTime = 90 * time.Second
	cfg.Payment.TimeoutWarningTime = 200 * time.Second
	cfg.Payment.PaymentInterval = 2 * time.Second
	cfg.Backend.Timeout = 30 * time.Second

	s := SettingsFromConfig(cfg)
	assert.Equal(t, 90*time.Second, s.DepositTime)
	assert.Zero(t, s.TimeoutWarningTime, "warning longer than deposit is disabled")
	assert.Equal(t, time.Second, s.MinCheckInterval)
	assert.Equal(t, 2, s.MaxQueuePosition)
	assert.Equal(t, "/", s.HomePath)
	assert.Equal(t, "/success", s.SuccessPath)
	assert.Equal(t, 3, s.Retry.MaxRetries)
}
