package reaper

import (
	"net"
	"testing"
	"time"

	"github.com/akaitux/transparent-vpn/ippool"
	"github.com/akaitux/transparent-vpn/recordstore"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter tracks installed routes by mapped address so tests can assert
// that pruning a set's stale records leaves its surviving records' routes
// intact, and that hard-expiring a set removes every one of its routes.
type fakeRouter struct {
	delCalls       int
	removeOldCalls int
	installed      map[string]bool
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{installed: make(map[string]bool)}
}

func (f *fakeRouter) CreateChain() error { return nil }
func (f *fakeRouter) Cleanup() error     { return nil }

func (f *fakeRouter) AddRoute(set *recordstore.ProxyRecordSet) error {
	for i := range set.Records {
		rec := &set.Records[i]
		if rec.IsRoutable() && rec.CleanupAt == nil {
			f.installed[rec.MappedAddr.String()] = true
		}
	}

	return nil
}

func (f *fakeRouter) DelRoute(set *recordstore.ProxyRecordSet) error {
	f.delCalls++

	for i := range set.Records {
		rec := &set.Records[i]
		if rec.IsRoutable() {
			delete(f.installed, rec.MappedAddr.String())
		}
	}

	return nil
}

func (f *fakeRouter) RemoveOldRecords(set *recordstore.ProxyRecordSet) ([]recordstore.ProxyRecord, error) {
	f.removeOldCalls++

	now := time.Now()

	var removed []recordstore.ProxyRecord

	for i := range set.Records {
		rec := &set.Records[i]
		if rec.IsRoutable() && rec.CleanupAt != nil && !rec.CleanupAt.After(now) {
			delete(f.installed, rec.MappedAddr.String())

			removed = append(removed, *rec)
		}
	}

	return removed, nil
}

func (f *fakeRouter) hasRoute(ip net.IP) bool {
	return f.installed[ip.String()]
}

func newARecord(name string, ip net.IP) dns.RR {
	rr := new(dns.A)
	rr.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}
	rr.A = ip

	return rr
}

func TestSweepEvictsExpiredRecordAndReleasesAddress(t *testing.T) {
	pool, err := ippool.New("10.0.0.0/29")
	require.NoError(t, err)

	mapped, err := pool.Alloc()
	require.NoError(t, err)

	store := recordstore.New()
	set := recordstore.NewProxyRecordSet("blocked.example.", 5*time.Minute)
	set.Push(recordstore.NewProxyRecord(newARecord("blocked.example.", net.ParseIP("1.2.3.4")),
		net.ParseIP("1.2.3.4"), mapped))
	set.Records[0].MarkForCleanup(0)
	store.Upsert(set)

	rtr := newFakeRouter()
	rtr.AddRoute(set) //nolint:errcheck
	r := New(store, pool, rtr, time.Hour, time.Hour)

	r.sweep()

	assert.Equal(t, 1, rtr.removeOldCalls)
	assert.Equal(t, 0, rtr.delCalls)
	assert.False(t, rtr.hasRoute(mapped))

	_, ok := store.Get("blocked.example.")
	assert.False(t, ok)

	freeBefore := pool.Free()
	_, err = pool.Alloc()
	require.NoError(t, err)
	assert.Equal(t, freeBefore-1, pool.Free())
}

func TestSweepKeepsSetWithSurvivingRecords(t *testing.T) {
	pool, err := ippool.New("10.0.0.0/28")
	require.NoError(t, err)

	expiredMapped, err := pool.Alloc()
	require.NoError(t, err)

	keptMapped, err := pool.Alloc()
	require.NoError(t, err)

	store := recordstore.New()
	set := recordstore.NewProxyRecordSet("multi.example.", 5*time.Minute)
	set.Push(recordstore.NewProxyRecord(newARecord("multi.example.", net.ParseIP("1.2.3.4")),
		net.ParseIP("1.2.3.4"), expiredMapped))
	set.Push(recordstore.NewProxyRecord(newARecord("multi.example.", net.ParseIP("1.2.3.5")),
		net.ParseIP("1.2.3.5"), keptMapped))
	set.Records[0].MarkForCleanup(0)
	store.Upsert(set)

	rtr := newFakeRouter()
	rtr.AddRoute(set) //nolint:errcheck
	r := New(store, pool, rtr, time.Hour, time.Hour)

	r.sweep()

	got, ok := store.Get("multi.example.")
	require.True(t, ok)
	assert.Len(t, got.Records, 1)
	assert.Equal(t, keptMapped.String(), got.Records[0].MappedAddr.String())

	// the surviving record's own route must still be in place - the whole
	// set must never have been deleted wholesale just because one of its
	// records was due for cleanup.
	assert.True(t, rtr.hasRoute(keptMapped))
	assert.False(t, rtr.hasRoute(expiredMapped))
	assert.Equal(t, 0, rtr.delCalls)
}

func TestSweepIsNoopWhenNothingExpired(t *testing.T) {
	pool, err := ippool.New("10.0.0.0/29")
	require.NoError(t, err)

	store := recordstore.New()
	set := recordstore.NewProxyRecordSet("fresh.example.", 5*time.Minute)
	mapped, err := pool.Alloc()
	require.NoError(t, err)
	set.Push(recordstore.NewProxyRecord(newARecord("fresh.example.", net.ParseIP("1.2.3.4")),
		net.ParseIP("1.2.3.4"), mapped))
	store.Upsert(set)

	rtr := newFakeRouter()
	rtr.AddRoute(set) //nolint:errcheck
	r := New(store, pool, rtr, time.Hour, time.Hour)

	r.sweep()

	assert.Equal(t, 0, rtr.delCalls)
	_, ok := store.Get("fresh.example.")
	assert.True(t, ok)
	assert.True(t, rtr.hasRoute(mapped))
}

func TestSweepHardExpiresSetNeverRequeried(t *testing.T) {
	pool, err := ippool.New("10.0.0.0/29")
	require.NoError(t, err)

	mapped, err := pool.Alloc()
	require.NoError(t, err)

	store := recordstore.New()
	set := recordstore.NewProxyRecordSet("stale.example.", 5*time.Minute)
	set.Push(recordstore.NewProxyRecord(newARecord("stale.example.", net.ParseIP("1.2.3.4")),
		net.ParseIP("1.2.3.4"), mapped))
	// never re-queried: no record is individually marked for cleanup, but
	// the whole set was resolved long past clearAfterTTL.
	set.ResolvedAt = time.Now().Add(-2 * time.Hour)
	store.Upsert(set)

	rtr := newFakeRouter()
	rtr.AddRoute(set) //nolint:errcheck
	r := New(store, pool, rtr, time.Hour, time.Hour)

	r.sweep()

	assert.Equal(t, 1, rtr.delCalls)
	assert.False(t, rtr.hasRoute(mapped))

	_, ok := store.Get("stale.example.")
	assert.False(t, ok)

	freeBefore := pool.Free()
	_, err = pool.Alloc()
	require.NoError(t, err)
	assert.Equal(t, freeBefore-1, pool.Free())
}
