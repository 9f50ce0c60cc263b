package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestKioskMetricsExposed(t *testing.T) {
	reg := NewRegistry()
	m := NewKioskMetrics(reg)
	m.OrdersCreated.WithLabelValues("ok").Inc()
	m.WSReconnects.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersCreated.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "kiosk_orders_created_total"))
	assert.True(t, strings.Contains(body, "kiosk_ws_reconnect_attempts_total 1"))
}
