// Package recordstore tracks the mapping between blocked domains, the
// synthetic addresses handed out for them, and the real addresses a domain
// actually resolves to.
package recordstore

import (
	"math"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ProxyRecord pairs one resolved answer for a domain with the synthetic
// address that was allocated to stand in for it. CNAME answers pass through
// unmapped: OriginalAddr and MappedAddr are both nil and RR holds the CNAME
// record verbatim.
type ProxyRecord struct {
	OriginalAddr net.IP
	MappedAddr   net.IP
	RR           dns.RR
	CleanupAt    *time.Time
}

// NewProxyRecord builds a record for an A/AAAA answer that was assigned mapped as its synthetic address.
func NewProxyRecord(rr dns.RR, original, mapped net.IP) ProxyRecord {
	return ProxyRecord{OriginalAddr: original, MappedAddr: mapped, RR: rr}
}

// IsCNAME reports whether this record passes a CNAME through unmapped
func (r *ProxyRecord) IsCNAME() bool {
	_, ok := r.RR.(*dns.CNAME)

	return ok
}

// IsRoutable reports whether this record has both a real and a synthetic
// address, and therefore needs a NAT route installed.
func (r *ProxyRecord) IsRoutable() bool {
	return r.OriginalAddr != nil && r.MappedAddr != nil
}

// MarkForCleanup schedules r for removal once at has elapsed
func (r *ProxyRecord) MarkForCleanup(at time.Duration) {
	t := time.Now().Add(at)
	r.CleanupAt = &t
}

// UnmarkForCleanup cancels a pending MarkForCleanup
func (r *ProxyRecord) UnmarkForCleanup() {
	r.CleanupAt = nil
}

// matches reports whether r refers to the same original/mapped address pair (or, for CNAMEs, the same target) as other.
func (r *ProxyRecord) matches(other *ProxyRecord) bool {
	if r.IsCNAME() && other.IsCNAME() {
		return r.RR.String() == other.RR.String()
	}

	return ipEqual(r.OriginalAddr, other.OriginalAddr) && ipEqual(r.MappedAddr, other.MappedAddr)
}

func ipEqual(a, b net.IP) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Equal(b)
}

// ProxyRecordSet is every record currently known for one blocked domain.
type ProxyRecordSet struct {
	Domain     string
	Records    []ProxyRecord
	ResolvedAt time.Time
	TTL        time.Duration
}

// NewProxyRecordSet creates an empty set for domain, resolved just now
func NewProxyRecordSet(domain string, ttl time.Duration) *ProxyRecordSet {
	return &ProxyRecordSet{
		Domain:     domain,
		ResolvedAt: time.Now(),
		TTL:        ttl,
	}
}

// Push appends rec to the set unless an existing record already shares its
// original address, its mapped address, or (for CNAMEs) its target - such a
// record is presumed stale and should be removed by the caller first.
func (s *ProxyRecordSet) Push(rec ProxyRecord) bool {
	for i := range s.Records {
		if s.Records[i].matches(&rec) {
			return false
		}
	}

	s.Records = append(s.Records, rec)

	return true
}

// RemoveRecord removes the record matching rec, if any, and reports whether one was removed
func (s *ProxyRecordSet) RemoveRecord(rec *ProxyRecord) bool {
	for i := range s.Records {
		if s.Records[i].matches(rec) {
			s.Records = append(s.Records[:i], s.Records[i+1:]...)

			return true
		}
	}

	return false
}

// ResolvedSecsAgo returns how long ago the set was resolved, clamped to 0 if
// ResolvedAt is somehow in the future.
func (s *ProxyRecordSet) ResolvedSecsAgo() time.Duration {
	elapsed := time.Since(s.ResolvedAt)
	if elapsed < 0 {
		return 0
	}

	return elapsed
}

// RemainingTTL returns the TTL seconds remaining for answers built from this
// set: the configured TTL minus the time elapsed since it was resolved,
// floored at 0.
func (s *ProxyRecordSet) RemainingTTL() uint32 {
	remaining := s.TTL - s.ResolvedSecsAgo()
	if remaining < 0 {
		remaining = 0
	}

	secs := remaining.Seconds()
	if secs < 0 || secs > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(secs)
}

// RecordsForResponse returns the answer records to place in a DNS response
// for this set: records pending cleanup are excluded, and every surviving
// record's header TTL is rewritten to the set's remaining TTL.
func (s *ProxyRecordSet) RecordsForResponse() []dns.RR {
	ttl := s.RemainingTTL()

	out := make([]dns.RR, 0, len(s.Records))

	for i := range s.Records {
		rec := &s.Records[i]
		if rec.CleanupAt != nil {
			continue
		}

		rr := dns.Copy(rec.RR)
		rr.Header().Ttl = ttl

		if a, ok := rr.(*dns.A); ok && rec.MappedAddr != nil {
			a.A = rec.MappedAddr
		}

		if aaaa, ok := rr.(*dns.AAAA); ok && rec.MappedAddr != nil {
			aaaa.AAAA = rec.MappedAddr
		}

		out = append(out, rr)
	}

	return out
}
