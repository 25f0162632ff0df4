// Package authority implements the core interception algorithm: deciding
// whether a query should be synthesized, keeping the synthetic mapping for a
// domain fresh, and falling back to plain forwarding for everything else.
package authority

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/domainset"
	"github.com/akaitux/transparent-vpn/evt"
	"github.com/akaitux/transparent-vpn/ippool"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/recordstore"
	"github.com/akaitux/transparent-vpn/router"
	"github.com/akaitux/transparent-vpn/util"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Forwarder resolves a query against an upstream, independent of synthesis.
// Satisfied by *forwarder.Forwarder.
type Forwarder interface {
	Resolve(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// InterceptAuthority answers DNS queries: blocked domains get a synthetic
// address backed by a NAT route to their real address, everything else is
// forwarded untouched.
type InterceptAuthority struct {
	domains   *domainset.Set
	pool      *ippool.Pool
	store     *recordstore.Store
	router    router.Router
	forwarder Forwarder

	enableIPv6Mapping    bool
	enableIPv6Forward    bool
	positiveTTL          time.Duration
	negativeTTL          time.Duration
	recordLookupCacheTTL time.Duration
	cleanupAfter         time.Duration
}

// New builds an InterceptAuthority wiring every collaborator together
func New(domains *domainset.Set, pool *ippool.Pool, store *recordstore.Store,
	rtr router.Router, fwd Forwarder, mapping config.MappingConfig,
) *InterceptAuthority {
	return &InterceptAuthority{
		domains:              domains,
		pool:                 pool,
		store:                store,
		router:               rtr,
		forwarder:            fwd,
		enableIPv6Mapping:    mapping.EnableIPv6Mapping,
		enableIPv6Forward:    mapping.EnableIPv6Forward,
		positiveTTL:          mapping.PositiveTTL.ToDuration(),
		negativeTTL:          mapping.NegativeTTL.ToDuration(),
		recordLookupCacheTTL: mapping.RecordLookupCacheTTL.ToDuration(),
		cleanupAfter:         mapping.CleanupRecordAfter.ToDuration(),
	}
}

func (a *InterceptAuthority) logger() *logrus.Entry {
	return log.PrefixedLog("authority")
}

// Lookup answers req, synthesizing, updating or forwarding as appropriate
func (a *InterceptAuthority) Lookup(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if req.MsgHdr.Response || req.MsgHdr.Opcode != dns.OpcodeQuery {
		a.logger().Errorf("rejecting non-query message (opcode %d, response %v)", req.MsgHdr.Opcode, req.MsgHdr.Response)

		return a.servfail(req), nil
	}

	if len(req.Question) == 0 {
		return nil, fmt.Errorf("authority: request has no question")
	}

	q := req.Question[0]
	domain := util.ExtractDomain(q)

	if q.Qtype == dns.TypeAAAA && !a.enableIPv6Mapping {
		if !a.enableIPv6Forward {
			return a.nxDomainReply(req), nil
		}

		return a.forward(ctx, req)
	}

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return a.forward(ctx, req)
	}

	if set, ok := a.store.Get(domain); ok {
		if set.ResolvedSecsAgo() < a.recordLookupCacheTTL {
			return a.reply(req, set), nil
		}

		updated, err := a.update(ctx, set)
		if err != nil {
			a.logger().WithError(err).Errorf("failed to refresh mapping for %q, serving stale", domain)

			return a.reply(req, set), nil
		}

		return a.reply(req, updated), nil
	}

	if !a.domains.IsDomainBlocked(domain) {
		return a.forward(ctx, req)
	}

	set, err := a.synthesize(ctx, domain, req)
	if err != nil {
		return nil, err
	}

	return a.reply(req, set), nil
}

func (a *InterceptAuthority) forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, err := a.forwarder.Resolve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("authority: forward: %w", err)
	}

	return resp, nil
}

// nxDomainReply answers an AAAA query with NXDomain: used when AAAA mapping
// and AAAA forwarding are both disabled, independent of block status.
func (a *InterceptAuthority) nxDomainReply(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeNameError

	return m
}

// servfail answers a non-Query or unsupported-opcode message with ServFail.
func (a *InterceptAuthority) servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeServerFailure

	return m
}

func (a *InterceptAuthority) reply(req *dns.Msg, set *recordstore.ProxyRecordSet) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = set.RecordsForResponse()

	return m
}

// synthesize builds a fresh ProxyRecordSet for domain: forwards the real
// query, allocates a synthetic address for every A/AAAA answer, installs the
// NAT route, and stores the set. Any address allocated during a call that
// ultimately fails is returned to the front of the pool.
func (a *InterceptAuthority) synthesize(ctx context.Context, domain string, req *dns.Msg) (set *recordstore.ProxyRecordSet, err error) {
	resp, err := a.forwarder.Resolve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("authority: synthesize %q: %w", domain, err)
	}

	set = recordstore.NewProxyRecordSet(domain, a.positiveTTL)

	var allocated []net.IP

	rollback := func() {
		for _, ip := range allocated {
			if e := a.pool.ReleaseFront(ip); e != nil {
				a.logger().WithError(e).Warnf("failed to roll back allocation of %s", ip)
			}
		}
	}

	for _, rr := range resp.Answer {
		rec, ip, addErr := a.buildRecord(rr)
		if addErr != nil {
			rollback()

			return nil, fmt.Errorf("authority: synthesize %q: %w", domain, addErr)
		}

		if ip != nil {
			allocated = append(allocated, ip)
		}

		set.Push(rec)
	}

	if err := a.router.AddRoute(set); err != nil {
		rollback()

		evt.Bus().Publish(evt.RouterRuleFailed, domain, err.Error())

		return nil, fmt.Errorf("authority: synthesize %q: add route: %w", domain, err)
	}

	a.store.Upsert(set)
	evt.Bus().Publish(evt.RecordSynthesized, domain)

	return set, nil
}

// update re-resolves domain, marking stale addresses for cleanup and adding
// newly observed ones, then reinstalls routes for the refreshed set.
func (a *InterceptAuthority) update(ctx context.Context, existing *recordstore.ProxyRecordSet) (set *recordstore.ProxyRecordSet, err error) {
	req := util.NewMsgWithQuestion(existing.Domain, dns.Type(dns.TypeA))

	resp, err := a.forwarder.Resolve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("authority: update %q: %w", existing.Domain, err)
	}

	next := recordstore.NewProxyRecordSet(existing.Domain, a.positiveTTL)

	seen := make(map[string]bool)

	var allocated []net.IP

	rollback := func() {
		for _, ip := range allocated {
			if e := a.pool.ReleaseFront(ip); e != nil {
				a.logger().WithError(e).Warnf("failed to roll back allocation of %s", ip)
			}
		}
	}

	for _, rr := range resp.Answer {
		rec, ip, addErr := a.reuseOrBuildRecord(existing, rr)
		if addErr != nil {
			rollback()

			return nil, fmt.Errorf("authority: update %q: %w", existing.Domain, addErr)
		}

		if ip != nil {
			allocated = append(allocated, ip)
		}

		if rec.OriginalAddr != nil {
			seen[rec.OriginalAddr.String()] = true
		}

		next.Push(rec)
	}

	for i := range existing.Records {
		rec := existing.Records[i]
		if rec.OriginalAddr != nil && !seen[rec.OriginalAddr.String()] {
			rec.MarkForCleanup(a.cleanupAfter)
			next.Push(rec)
		}
	}

	if err := a.router.AddRoute(next); err != nil {
		rollback()

		evt.Bus().Publish(evt.RouterRuleFailed, existing.Domain, err.Error())

		return nil, fmt.Errorf("authority: update %q: add route: %w", existing.Domain, err)
	}

	a.store.Upsert(next)
	evt.Bus().Publish(evt.RecordUpdated, existing.Domain)

	return next, nil
}

// reuseOrBuildRecord reuses the synthetic address already assigned to rr's
// address in existing, if any, instead of allocating a fresh one.
func (a *InterceptAuthority) reuseOrBuildRecord(existing *recordstore.ProxyRecordSet, rr dns.RR) (recordstore.ProxyRecord, net.IP, error) {
	original := addrOf(rr)
	if original != nil {
		for i := range existing.Records {
			if ipEqual(existing.Records[i].OriginalAddr, original) {
				rec := existing.Records[i]
				rec.RR = rr
				rec.UnmarkForCleanup()

				return rec, nil, nil
			}
		}
	}

	return a.buildRecord(rr)
}

// buildRecord allocates a synthetic address for an A/AAAA answer, or passes
// a CNAME through unmapped.
func (a *InterceptAuthority) buildRecord(rr dns.RR) (recordstore.ProxyRecord, net.IP, error) {
	if _, ok := rr.(*dns.CNAME); ok {
		return recordstore.NewProxyRecord(rr, nil, nil), nil, nil
	}

	original := addrOf(rr)
	if original == nil {
		return recordstore.ProxyRecord{}, nil, fmt.Errorf("unsupported answer type %T", rr)
	}

	mapped, err := a.pool.Alloc()
	if err != nil {
		return recordstore.ProxyRecord{}, nil, fmt.Errorf("allocate synthetic address: %w", err)
	}

	return recordstore.NewProxyRecord(rr, original, mapped), mapped, nil
}

func addrOf(rr dns.RR) net.IP {
	switch v := rr.(type) {
	case *dns.A:
		return v.A
	case *dns.AAAA:
		return v.AAAA
	default:
		return nil
	}
}

func ipEqual(x, y net.IP) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}

	return x.Equal(y)
}
