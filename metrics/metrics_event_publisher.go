package metrics

import (
	"fmt"
	"time"

	"github.com/akaitux/transparent-vpn/evt"
	"github.com/akaitux/transparent-vpn/util"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterEventListeners registers all metric handlers on the event bus
func RegisterEventListeners() {
	registerApplicationEventListeners()
	registerDomainSetEventListeners()
	registerAuthorityEventListeners()
}

func registerApplicationEventListeners() {
	v := versionNumberGauge()
	RegisterMetric(v)

	subscribe(evt.ApplicationStarted, func(version string, buildTime string) {
		v.WithLabelValues(version, buildTime).Set(1)
	})
}

func versionNumberGauge() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trsp_build_info",
			Help: "Version number and build info",
		}, []string{"version", "build_time"},
	)
}

func registerDomainSetEventListeners() {
	importedCnt := domainSetImportedGauge()
	lastImport := lastImportGauge()
	refreshFailed := refreshFailedCount()

	RegisterMetric(importedCnt)
	RegisterMetric(lastImport)
	RegisterMetric(refreshFailed)

	subscribe(evt.DomainSetImported, func(group string, cnt int) {
		lastImport.Set(float64(time.Now().Unix()))
		importedCnt.WithLabelValues(group).Set(float64(cnt))
	})

	subscribe(evt.DomainSetRefreshFailed, func(string) {
		refreshFailed.Inc()
	})
}

func domainSetImportedGauge() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trsp_domainset_entries",
			Help: "Number of entries in a domain set group",
		}, []string{"group"},
	)
}

func lastImportGauge() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trsp_domainset_last_import",
			Help: "Timestamp of the last successful domain set import",
		},
	)
}

func refreshFailedCount() prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trsp_domainset_refresh_failed_total",
			Help: "Number of domain set feed refreshes that failed, leaving the previous import in place",
		},
	)
}

func registerAuthorityEventListeners() {
	synthesized := synthesizedCount()
	updated := updatedCount()
	routeFailed := routeFailedCount()
	evicted := evictedCount()

	RegisterMetric(synthesized)
	RegisterMetric(updated)
	RegisterMetric(routeFailed)
	RegisterMetric(evicted)

	subscribe(evt.RecordSynthesized, func(string) {
		synthesized.Inc()
	})

	subscribe(evt.RecordUpdated, func(string) {
		updated.Inc()
	})

	subscribe(evt.RouterRuleFailed, func(string, string) {
		routeFailed.Inc()
	})

	subscribe(evt.ReaperEvicted, func(cnt int) {
		evicted.Add(float64(cnt))
	})
}

func synthesizedCount() prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trsp_records_synthesized_total",
			Help: "Number of domains newly mapped to a synthetic address",
		},
	)
}

func updatedCount() prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trsp_records_updated_total",
			Help: "Number of existing mappings refreshed against upstream",
		},
	)
}

func routeFailedCount() prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trsp_router_rule_failed_total",
			Help: "Number of NAT route installs or removals that failed",
		},
	)
}

func evictedCount() prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trsp_reaper_evicted_total",
			Help: "Number of proxy records evicted by the reaper",
		},
	)
}

func subscribe(topic string, fn interface{}) {
	util.FatalOnError(fmt.Sprintf("can't subscribe topic '%s'", topic), evt.Bus().Subscribe(topic, fn))
}
