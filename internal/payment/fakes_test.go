package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/scheduler"
	"github.com/taoyao-code/carwash-kiosk/internal/storage"
)

var testStart = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

var testProgram = &model.Program{ID: "1", Name: "Стандарт", Price: "300", Duration: 10}

type fakeBackend struct {
	mu sync.Mutex

	payID    string
	payQR    string
	payErrs  []error
	payGate  chan struct{}
	payEnter chan struct{}
	payCalls int

	detail      func(n int) (*model.OrderDetail, error)
	detailCalls int

	cancels []string

	robotErr   error
	robotGate  chan struct{}
	robotEnter chan struct{}
	robotCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{payID: "42"}
}

func (f *fakeBackend) Pay(ctx context.Context, req backend.PayRequest) (*backend.PayResponse, error) {
	f.mu.Lock()
	f.payCalls++
	n := f.payCalls
	gate, enter := f.payGate, f.payEnter
	var err error
	if n <= len(f.payErrs) {
		err = f.payErrs[n-1]
	}
	id, qr := f.payID, f.payQR
	f.mu.Unlock()

	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &backend.PayResponse{ID: id, QRCode: qr}, nil
}

func (f *fakeBackend) OrderDetail(ctx context.Context, orderID string) (*model.OrderDetail, error) {
	f.mu.Lock()
	f.detailCalls++
	n := f.detailCalls
	fn := f.detail
	f.mu.Unlock()
	if fn == nil {
		return &model.OrderDetail{ID: orderID, Status: model.StatusWaitingPayment}, nil
	}
	return fn(n)
}

func (f *fakeBackend) Cancel(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, orderID)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) StartRobot(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.robotCalls++
	gate, enter, err := f.robotGate, f.robotEnter, f.robotErr
	f.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeBackend) setDetail(fn func(n int) (*model.OrderDetail, error)) {
	f.mu.Lock()
	f.detail = fn
	f.mu.Unlock()
}

func (f *fakeBackend) counts() (pay, detail, robot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payCalls, f.detailCalls, f.robotCalls
}

func (f *fakeBackend) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type recordingNav struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNav) Navigate(path string) bool {
	n.mu.Lock()
	n.paths = append(n.paths, path)
	n.mu.Unlock()
	return true
}

func (n *recordingNav) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type recordingJournal struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

func (j *recordingJournal) Record(_ context.Context, ev model.SessionEvent) error {
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
	return nil
}

func (j *recordingJournal) kinds() []model.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.EventKind, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	svc     *Service
	clk     *clock.Fake
	be      *fakeBackend
	nav     *recordingNav
	journal *recordingJournal
	store   *storage.MemoryStore
}

func newHarness(t *testing.T, mutate ...func(*Settings)) *harness {
	t.Helper()
	clk := clock.NewFake(testStart)
	h := &harness{
		clk:     clk,
		be:      newFakeBackend(),
		nav:     &recordingNav{},
		journal: &recordingJournal{},
		store:   storage.NewMemoryStore(time.Hour, clk.Now),
	}
	set := DefaultSettings()
	set.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	for _, m := range mutate {
		m(&set)
	}
	h.svc = New(set, Deps{
		Backend:   h.be,
		Navigator: h.nav,
		Store:     h.store,
		Journal:   h.journal,
		Programs: func(id string) (*model.Program, error) {
			p := *testProgram
			return &p, nil
		},
		Scheduler: scheduler.New(clk, zap.NewNop()),
		Logger:    zap.NewNop(),
	})
	t.Cleanup(h.svc.Stop)
	return h
}

func (h *harness) create(t *testing.T) *model.Order {
	t.Helper()
	o, err := h.svc.CreateOrder(context.Background(), CreateRequest{Program: testProgram, Method: model.PaymentCard})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func push(status model.OrderStatus, orderID string) model.Message {
	return model.Message{Type: model.MessageStatusUpdate, OrderID: orderID, Status: string(status)}
}

func amount(v float64) *model.Amount {
	a := model.Amount(v)
	return &a
}

func intp(v int) *int { return &v }
