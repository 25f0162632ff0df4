//go:build linux

package main

import (
	_ "time/tzdata"

	_ "github.com/breml/rootcerts"

	reaper "github.com/ramr/go-reaper"
)

// every iptables/ip6tables invocation from router.Iptables is a forked
// child of this process; reap them so they don't pile up as zombies.
//nolint:gochecknoinits
func init() {
	go reaper.Reap()
}
