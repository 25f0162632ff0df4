// Package router installs and removes the NAT rules that redirect traffic
// aimed at a synthetic address back to the real address it stands in for.
package router

import (
	"github.com/akaitux/transparent-vpn/recordstore"
)

// Router manages the firewall chain that redirects synthetic addresses to
// the real addresses they were allocated for.
type Router interface {
	// CreateChain creates the dedicated chain and jump rule, if not already present
	CreateChain() error
	// AddRoute installs a DNAT rule for every routable record in set
	AddRoute(set *recordstore.ProxyRecordSet) error
	// DelRoute removes the DNAT rule for every routable record in set
	DelRoute(set *recordstore.ProxyRecordSet) error
	// RemoveOldRecords removes the DNAT rule for only the records in set
	// whose CleanupAt is past-due, leaving the rest of the set's rules
	// untouched, and returns the records it removed.
	RemoveOldRecords(set *recordstore.ProxyRecordSet) ([]recordstore.ProxyRecord, error)
	// Cleanup flushes the dedicated chain
	Cleanup() error
}
