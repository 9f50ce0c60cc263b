package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
)

// NewMetrics 初始化注册表与应用指标
func NewMetrics() (*prometheus.Registry, *metrics.KioskMetrics) {
	reg := metrics.NewRegistry()
	m := metrics.NewKioskMetrics(reg)
	return reg, m
}
