// Package reaper periodically evicts proxy record sets whose cleanup grace
// period has elapsed, releasing their synthetic addresses and removing their
// NAT routes.
package reaper

import (
	"context"
	"time"

	"github.com/akaitux/transparent-vpn/evt"
	"github.com/akaitux/transparent-vpn/ippool"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/recordstore"
	"github.com/akaitux/transparent-vpn/router"

	"github.com/sirupsen/logrus"
)

// Reaper sweeps a Store on a fixed interval. The lock order is always
// Store then Pool - never the reverse - and no router I/O is performed while
// either lock is held: a rule deletion that blocks would otherwise stall
// every other goroutine waiting on the store or pool.
type Reaper struct {
	store    *recordstore.Store
	pool     *ippool.Pool
	router   router.Router
	interval time.Duration
	// clearAfterTTL is the whole-set hard-expiry age: a set that hasn't
	// been re-queried in this long is evicted entirely, independent of
	// any individual record's CleanupAt.
	clearAfterTTL time.Duration
}

// New builds a Reaper sweeping store/pool/rtr every interval, hard-expiring
// a whole set once it has gone clearAfterTTL without a re-query.
func New(store *recordstore.Store, pool *ippool.Pool, rtr router.Router, interval, clearAfterTTL time.Duration) *Reaper {
	return &Reaper{store: store, pool: pool, router: rtr, interval: interval, clearAfterTTL: clearAfterTTL}
}

func (r *Reaper) logger() *logrus.Entry {
	return log.PrefixedLog("reaper")
}

// Run blocks, sweeping every r.interval until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep walks every tracked set: one whose whole ResolvedAt has gone stale
// past clearAfterTTL is hard-expired entirely, regardless of any individual
// record's CleanupAt; everything else has only its past-due records pruned.
func (r *Reaper) sweep() {
	sets := r.store.Snapshot()
	if len(sets) == 0 {
		return
	}

	evicted := 0

	for _, set := range sets {
		if set.ResolvedSecsAgo() > r.clearAfterTTL {
			evicted += r.trash(set)

			continue
		}

		evicted += r.pruneStale(set)
	}

	if evicted > 0 {
		evt.Bus().Publish(evt.ReaperEvicted, evicted)
	}
}

// trash removes set's NAT routes and RecordStore entry entirely and releases
// every one of its mapped addresses back to the pool, independent of any
// record's CleanupAt - it fires once a set has simply gone unused too long.
func (r *Reaper) trash(set *recordstore.ProxyRecordSet) int {
	if err := r.router.DelRoute(set); err != nil {
		r.logger().WithError(err).Errorf("failed to remove routes for %q during reap", set.Domain)
	}

	evicted := 0

	r.store.WithLock(func(sets map[string]*recordstore.ProxyRecordSet) {
		cur, ok := sets[set.Domain]
		if !ok {
			return
		}

		for i := range cur.Records {
			if cur.Records[i].MappedAddr == nil {
				continue
			}

			if err := r.pool.Release(cur.Records[i].MappedAddr); err != nil {
				r.logger().WithError(err).Warnf("failed to release %s during reap", cur.Records[i].MappedAddr)
			}
		}

		evicted = len(cur.Records)

		delete(sets, cur.Domain)
	})

	return evicted
}

// pruneStale removes only the past-due records from set via the router's
// RemoveOldRecords, releasing their mapped addresses, and leaves every
// surviving (live or not-yet-due) record's route untouched in the store.
func (r *Reaper) pruneStale(set *recordstore.ProxyRecordSet) int {
	removed, err := r.router.RemoveOldRecords(set)
	if err != nil {
		r.logger().WithError(err).Errorf("failed to remove stale routes for %q during reap", set.Domain)
	}

	if len(removed) == 0 {
		return 0
	}

	removedAddrs := make(map[string]bool, len(removed))

	for i := range removed {
		if removed[i].MappedAddr == nil {
			continue
		}

		removedAddrs[removed[i].MappedAddr.String()] = true

		if err := r.pool.Release(removed[i].MappedAddr); err != nil {
			r.logger().WithError(err).Warnf("failed to release %s during reap", removed[i].MappedAddr)
		}
	}

	r.store.WithLock(func(sets map[string]*recordstore.ProxyRecordSet) {
		cur, ok := sets[set.Domain]
		if !ok {
			return
		}

		var kept []recordstore.ProxyRecord

		for i := range cur.Records {
			if cur.Records[i].MappedAddr != nil && removedAddrs[cur.Records[i].MappedAddr.String()] {
				continue
			}

			kept = append(kept, cur.Records[i])
		}

		if len(kept) == 0 {
			delete(sets, cur.Domain)

			return
		}

		cur.Records = kept
		sets[cur.Domain] = cur
	})

	return len(removed)
}
