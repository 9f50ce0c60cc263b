package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/transport"
)

// mockChecker 模拟检查器
type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: "mock",
		Latency: time.Millisecond,
	}
}

type fakeTransport struct {
	state    transport.State
	gaveUp   bool
	attempts int
}

func (f fakeTransport) State() transport.State { return f.state }
func (f fakeTransport) GaveUp() bool           { return f.gaveUp }
func (f fakeTransport) Attempts() int          { return f.attempts }

type fakeBreaker backend.BreakerState

func (f fakeBreaker) State() backend.BreakerState { return backend.BreakerState(f) }

func TestAggregator(t *testing.T) {
	ctx := context.Background()

	t.Run("全部健康", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"backend", StatusHealthy},
			&mockChecker{"transport", StatusHealthy},
		)
		assert.Equal(t, StatusHealthy, agg.OverallStatus(ctx))
		assert.True(t, agg.Ready(ctx))
	})

	t.Run("部分降级", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"backend", StatusHealthy},
			&mockChecker{"transport", StatusDegraded},
		)
		assert.Equal(t, StatusDegraded, agg.OverallStatus(ctx))
		// 降级状态仍然Ready
		assert.True(t, agg.Ready(ctx))
	})

	t.Run("部分不健康", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"backend", StatusUnhealthy},
			&mockChecker{"transport", StatusDegraded},
		)
		assert.Equal(t, StatusUnhealthy, agg.OverallStatus(ctx))
		assert.False(t, agg.Ready(ctx))
	})

	t.Run("CheckAll并发执行", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"check1", StatusHealthy},
			&mockChecker{"check2", StatusHealthy},
			&mockChecker{"check3", StatusHealthy},
		)
		results := agg.CheckAll(ctx)
		require.Len(t, results, 3)
		for name, result := range results {
			assert.Equal(t, StatusHealthy, result.Status, name)
		}
	})

	t.Run("动态添加检查器", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{"initial", StatusHealthy})
		agg.AddChecker(&mockChecker{"added", StatusHealthy})
		assert.Len(t, agg.CheckAll(ctx), 2)
	})

	t.Run("Alive始终返回true", func(t *testing.T) {
		assert.True(t, NewAggregator().Alive())
	})
}

func TestTransportChecker(t *testing.T) {
	ctx := context.Background()

	res := NewTransportChecker(fakeTransport{state: transport.StateOpen}).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "open", res.Details["state"])

	res = NewTransportChecker(fakeTransport{state: transport.StateConnecting, attempts: 2}).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, 2, res.Details["attempts"])

	res = NewTransportChecker(fakeTransport{state: transport.StateClosed, gaveUp: true, attempts: 5}).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "gave up")
}

func TestBackendChecker(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, NewBackendChecker(fakeBreaker(backend.BreakerClosed)).Check(ctx).Status)
	assert.Equal(t, StatusDegraded, NewBackendChecker(fakeBreaker(backend.BreakerHalfOpen)).Check(ctx).Status)
	assert.Equal(t, StatusUnhealthy, NewBackendChecker(fakeBreaker(backend.BreakerOpen)).Check(ctx).Status)
}

func TestReadiness(t *testing.T) {
	r := New()
	assert.False(t, r.Ready())
	assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)

	r.SetCatalogReady(true)
	assert.False(t, r.Ready())
	r.SetSessionRestored(true)
	assert.True(t, r.Ready())
	assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ready := New()
	RegisterHTTPRoutes(r, NewAggregator(ready, &mockChecker{"transport", StatusDegraded}))

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)

	ready.SetCatalogReady(true)
	ready.SetSessionRestored(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	w := get("/health")
	require.Equal(t, http.StatusOK, w.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Contains(t, report.Checks, "startup")
	assert.Contains(t, report.Checks, "transport")
}
