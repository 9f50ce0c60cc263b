package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/api/middleware"
	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/catalog"
	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/navigation"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
	"github.com/taoyao-code/carwash-kiosk/internal/payment"
	"github.com/taoyao-code/carwash-kiosk/internal/paystate"
)

type fakeSession struct {
	mu        sync.Mutex
	createReq *payment.CreateRequest
	createErr error
	robotErr  error
	backs     int
	cancels   int
	checks    int
	messages  []model.Message
}

func (f *fakeSession) Snapshot() payment.Snapshot {
	return payment.Snapshot{State: paystate.Idle}
}

func (f *fakeSession) CreateOrder(_ context.Context, req payment.CreateRequest) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReq = &req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.Order{ID: "o-1", ProgramID: req.Program.ID, Status: model.StatusWaitingPayment}, nil
}

func (f *fakeSession) StartRobot(context.Context) (payment.RobotResult, error) {
	if f.robotErr != nil {
		return "", f.robotErr
	}
	return payment.RobotStarted, nil
}

func (f *fakeSession) Back(context.Context) {
	f.mu.Lock()
	f.backs++
	f.mu.Unlock()
}

func (f *fakeSession) Cancel(context.Context) {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeSession) CheckNow() {
	f.mu.Lock()
	f.checks++
	f.mu.Unlock()
}

func (f *fakeSession) HandleMessage(msg model.Message) {
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
}

type fakePeripherals struct {
	err error
}

func (f fakePeripherals) LoyaltyCheck(context.Context) (*backend.LoyaltyStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &backend.LoyaltyStatus{HasCard: true}, nil
}

func (f fakePeripherals) UCNCheck(context.Context) (*backend.UCNStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	bal := model.Amount(150)
	return &backend.UCNStatus{UCN: "42", Balance: &bal}, nil
}

func (f fakePeripherals) OpenReader(context.Context) error { return f.err }

type fixture struct {
	engine  *gin.Engine
	session *fakeSession
	outbox  *navigation.Outbox
	visible int
	frames  int
}

func newFixture(t *testing.T, opts RouteOptions, periph fakePeripherals) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	progs, err := catalog.Parse([]byte(`
programs:
  - id: p1
    name: Экспресс
    price: "100"
    duration: 300
`))
	require.NoError(t, err)

	f := &fixture{
		engine:  gin.New(),
		session: &fakeSession{},
		outbox:  navigation.NewOutbox(clock.NewFake(time.Unix(0, 0))),
	}
	h := NewKioskHandler(f.session, progs, periph, f.outbox, Signals{
		Visible: func() { f.visible++ },
		Frame:   func() { f.frames++ },
	}, zap.NewNop())
	RegisterKioskRoutes(f.engine, h, opts, zap.NewNop())
	return f
}

func (f *fixture) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestListPrograms(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})
	w := f.do(http.MethodGet, "/api/programs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Programs []model.Program `json:"programs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Programs, 1)
	assert.Equal(t, "p1", body.Programs[0].ID)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})

	w := f.do(http.MethodPost, "/api/orders", gin.H{"program_id": "p1", "payment_type": "card", "ucn": "7"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, f.session.createReq)
	assert.Equal(t, "p1", f.session.createReq.Program.ID)
	assert.Equal(t, model.PaymentCard, f.session.createReq.Method)
	assert.Equal(t, "7", f.session.createReq.UCN)
}

func TestCreateOrderRejections(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})

	w := f.do(http.MethodPost, "/api/orders", gin.H{"program_id": "p1", "payment_type": "bitcoin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/orders", gin.H{"program_id": "nope", "payment_type": "card"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), payerr.MsgNoProgram)

	f.session.createErr = payment.ErrBusy
	w = f.do(http.MethodPost, "/api/orders", gin.H{"program_id": "p1", "payment_type": "card"})
	assert.Equal(t, http.StatusConflict, w.Code)

	f.session.createErr = payerr.ErrQueueFull
	w = f.do(http.MethodPost, "/api/orders", gin.H{"program_id": "p1", "payment_type": "card"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "очередь")

	f.session.createErr = payerr.FromStatus(500, "Traceback (most recent call last)")
	w = f.do(http.MethodPost, "/api/orders", gin.H{"program_id": "p1", "payment_type": "card"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "Traceback")
}

func TestStartRobotNoOrder(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})
	f.session.robotErr = payerr.ErrNoOrderID

	w := f.do(http.MethodPost, "/api/robot/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), payerr.MsgNoOrder)
}

func TestSessionActionsAndSignals(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/session", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/session/back", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/session/cancel", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/signals/visible", nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/signals/frame", nil).Code)

	assert.Equal(t, 1, f.session.backs)
	assert.Equal(t, 1, f.session.cancels)
	assert.Equal(t, 1, f.session.checks)
	assert.Equal(t, 1, f.visible)
	assert.Equal(t, 1, f.frames)
}

func TestPeripherals(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})
	w := f.do(http.MethodGet, "/api/loyalty", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"has_card":true`)

	w = f.do(http.MethodGet, "/api/ucn", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ucn":"42"`)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/reader/open", nil).Code)

	down := newFixture(t, RouteOptions{}, fakePeripherals{err: payerr.FromTransport(context.DeadlineExceeded)})
	w = down.do(http.MethodGet, "/api/loyalty", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), payerr.MsgTimeout)
}

func TestNavigationLongPoll(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})

	w := f.do(http.MethodGet, "/api/navigation?after=0&wait=10ms", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	f.outbox.Navigate("/success")
	w = f.do(http.MethodGet, "/api/navigation?after=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cmd navigation.Command
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
	assert.Equal(t, uint64(1), cmd.Seq)
	assert.Equal(t, "/success", cmd.Path)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.do(http.MethodGet, "/api/navigation?after=1&wait=5s", nil) }()
	time.Sleep(20 * time.Millisecond)
	f.outbox.Reload("frozen")
	select {
	case w = <-done:
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
		assert.True(t, cmd.Reload)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not return")
	}

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/navigation?after=x", nil).Code)
}

func TestDiagnosticsGate(t *testing.T) {
	f := newFixture(t, RouteOptions{}, fakePeripherals{})
	w := f.do(http.MethodPost, "/api/diagnostics/status", gin.H{"order_id": "o-1", "status": "PAYED"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	f = newFixture(t, RouteOptions{Diagnostics: true}, fakePeripherals{})
	w = f.do(http.MethodPost, "/api/diagnostics/status", gin.H{"order_id": "o-1", "status": "PAYED"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.session.messages, 1)
	assert.Equal(t, model.MessageStatusUpdate, f.session.messages[0].Type)
	assert.Equal(t, "PAYED", f.session.messages[0].Status)

	w = f.do(http.MethodPost, "/api/diagnostics/status", gin.H{"order_id": "o-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthGuardsRoutes(t *testing.T) {
	f := newFixture(t, RouteOptions{Auth: middleware.AuthConfig{Enabled: true, APIKeys: []string{"secret-key-123"}}}, fakePeripherals{})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/session", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/session", nil, "X-API-Key", "secret-key-123").Code)
}
