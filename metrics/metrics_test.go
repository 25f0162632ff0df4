package metrics_test

import (
	"strings"
	"testing"

	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/evt"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Silence()
}

func TestRegisterEventListenersExposesExpectedMetrics(t *testing.T) {
	metrics.RegisterEventListeners()

	evt.Bus().Publish(evt.ApplicationStarted, "test", "2026-01-01")
	evt.Bus().Publish(evt.DomainSetImported, "imported", 42)
	evt.Bus().Publish(evt.DomainSetRefreshFailed, "fetch failed")
	evt.Bus().Publish(evt.RecordSynthesized, "blocked.example.com")
	evt.Bus().Publish(evt.RecordUpdated, "blocked.example.com")
	evt.Bus().Publish(evt.RouterRuleFailed, "blocked.example.com", "exit status 1")
	evt.Bus().Publish(evt.ReaperEvicted, 3)

	metrics.Start(config.PrometheusConfig{Enable: true, Path: "/metrics"})

	mfs, err := metrics.Registry().Gather()
	require.NoError(t, err)

	found := make(map[string]struct{})

	for _, mf := range mfs {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_") {
			continue
		}

		found[name] = struct{}{}
	}

	expected := []string{
		"trsp_build_info",
		"trsp_domainset_entries",
		"trsp_domainset_last_import",
		"trsp_domainset_refresh_failed_total",
		"trsp_records_synthesized_total",
		"trsp_records_updated_total",
		"trsp_router_rule_failed_total",
		"trsp_reaper_evicted_total",
	}

	for _, name := range expected {
		_, ok := found[name]
		assert.True(t, ok, "expected metric %q to be registered", name)
	}

	assert.True(t, metrics.IsEnabled())
}
