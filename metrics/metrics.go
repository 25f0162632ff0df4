package metrics

import (
	"net/http"

	"github.com/akaitux/transparent-vpn/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// nolint
var reg = prometheus.NewRegistry()

// nolint
var enabled bool

func RegisterMetric(c prometheus.Collector) {
	_ = reg.Register(c)
}

// Registry returns the underlying prometheus registry, for diagnostics and tests
func Registry() *prometheus.Registry {
	return reg
}

// Start, if enabled, registers the process/Go collectors and mounts the
// metrics handler on the default mux at cfg.Path; otherwise it only records
// that metrics are disabled.
func Start(cfg config.PrometheusConfig) {
	enabled = cfg.Enable

	if cfg.Enable {
		reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		reg.MustRegister(prometheus.NewGoCollector())
		http.Handle(cfg.Path, promhttp.InstrumentMetricHandler(reg,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
}

func IsEnabled() bool {
	return enabled
}
