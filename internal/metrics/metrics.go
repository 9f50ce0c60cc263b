package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// KioskMetrics 收银终端业务指标
type KioskMetrics struct {
	OrdersCreated     *prometheus.CounterVec // labels: result=ok|error|queue_full|busy
	BackendRequests   *prometheus.CounterVec // labels: endpoint, result
	PollTicks         *prometheus.CounterVec // labels: result=ok|skipped|inflight|error
	StateTransitions  *prometheus.CounterVec // labels: to
	WSMessages        *prometheus.CounterVec // labels: type
	WSReconnects      prometheus.Counter
	WSConnected       prometheus.Gauge
	RobotStarts       *prometheus.CounterVec // labels: result
	DepositTimeouts   prometheus.Counter
	QueueFull         prometheus.Counter
	WatchdogReloads   prometheus.Counter
	SoftResets        prometheus.Counter
	NavigationDropped prometheus.Counter
}

// NewKioskMetrics 注册并返回业务指标
func NewKioskMetrics(reg prometheus.Registerer) *KioskMetrics {
	m := &KioskMetrics{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_orders_created_total",
			Help: "Order creation attempts by result.",
		}, []string{"result"}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_backend_requests_total",
			Help: "Backend HTTP requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		PollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_status_poll_total",
			Help: "Order status poll ticks by result.",
		}, []string{"result"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_payment_state_transitions_total",
			Help: "Payment session state transitions by target state.",
		}, []string{"to"}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_ws_messages_total",
			Help: "Inbound WebSocket messages by type.",
		}, []string{"type"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_ws_reconnect_attempts_total",
			Help: "WebSocket reconnect attempts.",
		}),
		WSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiosk_ws_connected",
			Help: "1 when the order status WebSocket is open.",
		}),
		RobotStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_robot_starts_total",
			Help: "Robot start attempts by result.",
		}, []string{"result"}),
		DepositTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_deposit_timeouts_total",
			Help: "Orders cancelled by the deposit timeout.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_queue_full_total",
			Help: "Orders rejected because the wash queue was full.",
		}),
		WatchdogReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_watchdog_reloads_total",
			Help: "Forced reloads triggered by freeze detection.",
		}),
		SoftResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_soft_resets_total",
			Help: "Periodic soft resets of the session.",
		}),
		NavigationDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_navigation_dropped_total",
			Help: "Navigation requests dropped by the single-flight arbiter.",
		}),
	}
	reg.MustRegister(m.OrdersCreated, m.BackendRequests, m.PollTicks, m.StateTransitions,
		m.WSMessages, m.WSReconnects, m.WSConnected, m.RobotStarts, m.DepositTimeouts,
		m.QueueFull, m.WatchdogReloads, m.SoftResets, m.NavigationDropped)
	return m
}

// NewNopMetrics 测试用：注册到一次性 registry
func NewNopMetrics() *KioskMetrics {
	return NewKioskMetrics(prometheus.NewRegistry())
}
