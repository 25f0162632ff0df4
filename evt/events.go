package evt

import (
	"github.com/asaskevich/EventBus"
)

const (
	// DomainSetImported fires when a blocklist feed refresh finishes. Parameters: group name, entry count
	DomainSetImported = "domainset:imported"

	// DomainSetRefreshFailed fires when a blocklist feed refresh fails and the last good cache is kept
	DomainSetRefreshFailed = "domainset:refreshFailed"

	// RecordSynthesized fires when InterceptAuthority maps a new domain. Parameter: domain name
	RecordSynthesized = "authority:synthesized"

	// RecordUpdated fires when InterceptAuthority refreshes an existing mapping. Parameter: domain name
	RecordUpdated = "authority:updated"

	// ReaperEvicted fires after a reaper sweep. Parameter: number of records evicted
	ReaperEvicted = "reaper:evicted"

	// RouterRuleFailed fires when a DNAT rule could not be installed or removed. Parameter: domain name, error
	RouterRuleFailed = "router:ruleFailed"

	// ApplicationStarted fires on start of the application. Parameter: version number, build time
	ApplicationStarted = "application:started"
)

// nolint
var evtBus = EventBus.New()

// Bus returns the global bus instance
func Bus() EventBus.Bus {
	return evtBus
}
