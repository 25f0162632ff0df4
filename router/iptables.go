package router

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/recordstore"
)

// ruleMissing is the iptables/ip6tables stderr fragment returned by -C and
// -D when the rule being checked or removed does not exist.
const ruleMissing = "does a matching rule exist"

// Iptables is the default Router, driving the iptables/ip6tables binaries as
// subprocesses. Every mutating command is idempotent: AddRoute checks before
// adding, DelRoute and Cleanup treat "already absent" as success.
type Iptables struct {
	ChainName   string
	VPNSubnet   string
	DisableIPv6 bool
	// Mock, when true, logs the command that would be run instead of running it
	Mock bool

	// execFn, when set, replaces the real exec.Command dispatch. Tests use it
	// to simulate specific iptables exit codes/stderr without a real binary.
	execFn func(bin string, args ...string) (string, error)
}

// NewIptables builds an Iptables router from config fields
func NewIptables(chainName, vpnSubnet string, disableIPv6, mock bool) *Iptables {
	return &Iptables{
		ChainName:   chainName,
		VPNSubnet:   vpnSubnet,
		DisableIPv6: disableIPv6,
		Mock:        mock,
	}
}

func (r *Iptables) binaries() []string {
	bins := []string{"iptables"}
	if !r.DisableIPv6 {
		bins = append(bins, "ip6tables")
	}

	return bins
}

func (r *Iptables) exec(bin string, args ...string) (string, error) {
	if r.execFn != nil {
		return r.execFn(bin, args...)
	}

	if r.Mock {
		log.Log().Infof("router: mock exec %s %s", bin, strings.Join(args, " "))

		return "", nil
	}

	out, err := exec.Command(bin, args...).CombinedOutput() //nolint:gosec
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, out)
	}

	return string(out), nil
}

// CreateChain creates the dedicated NAT chain (if absent) and the PREROUTING
// jump rule that sends traffic for the VPN subnet into it (if absent).
func (r *Iptables) CreateChain() error {
	for _, bin := range r.binaries() {
		if _, err := r.exec(bin, "-t", "nat", "-N", r.ChainName); err != nil {
			if !strings.Contains(err.Error(), "Chain already exists") {
				return fmt.Errorf("router: create chain: %w", err)
			}
		}

		checkArgs := []string{"-t", "nat", "-C", "PREROUTING", "-s", r.VPNSubnet, "-d", r.VPNSubnet, "-j", r.ChainName}
		if _, err := r.exec(bin, checkArgs...); err != nil {
			if !strings.Contains(err.Error(), ruleMissing) {
				log.Log().WithError(err).Warn("router: unrecognized prerouting jump check error, assuming rule exists")

				continue
			}

			addArgs := []string{"-t", "nat", "-A", "PREROUTING", "-s", r.VPNSubnet, "-d", r.VPNSubnet, "-j", r.ChainName}
			if _, err := r.exec(bin, addArgs...); err != nil {
				return fmt.Errorf("router: add prerouting jump: %w", err)
			}
		}
	}

	return nil
}

// Cleanup flushes the dedicated chain on every enabled address family. A
// missing chain is not an error: there is nothing left to flush.
func (r *Iptables) Cleanup() error {
	for _, bin := range r.binaries() {
		if _, err := r.exec(bin, "-t", "nat", "-F", r.ChainName); err != nil {
			if strings.Contains(err.Error(), "No chain") {
				continue
			}

			return fmt.Errorf("router: cleanup: %w", err)
		}
	}

	return nil
}

// AddRoute installs a DNAT rule for every routable, non-cleanup-pending
// record in set, skipping any rule that already exists.
func (r *Iptables) AddRoute(set *recordstore.ProxyRecordSet) error {
	comment := routeComment(set)

	for i := range set.Records {
		rec := &set.Records[i]
		if !rec.IsRoutable() || rec.CleanupAt != nil {
			continue
		}

		bin := binaryFor(rec.OriginalAddr.To4() != nil, r.DisableIPv6)
		if bin == "" {
			continue
		}

		checkArgs := gen(r.ChainName, "-C", comment, rec)
		if _, err := r.exec(bin, checkArgs...); err == nil {
			log.Log().Debugf("router: route for %q already present, skipping", set.Domain)

			continue
		} else if !strings.Contains(err.Error(), ruleMissing) {
			log.Log().WithError(err).Warnf("router: unrecognized route check error for %q, assuming rule exists", set.Domain)

			continue
		}

		addArgs := gen(r.ChainName, "-A", comment, rec)
		if _, err := r.exec(bin, addArgs...); err != nil {
			return fmt.Errorf("router: add route for %q: %w", set.Domain, err)
		}

		log.Log().Infof("router: added route for %q (%s -> %s)", set.Domain, rec.MappedAddr, rec.OriginalAddr)
	}

	return nil
}

// DelRoute removes the DNAT rule for every routable record in set. A rule
// that is already absent is not an error.
func (r *Iptables) DelRoute(set *recordstore.ProxyRecordSet) error {
	comment := routeComment(set)

	for i := range set.Records {
		rec := &set.Records[i]
		if !rec.IsRoutable() {
			continue
		}

		bin := binaryFor(rec.OriginalAddr.To4() != nil, r.DisableIPv6)
		if bin == "" {
			continue
		}

		delArgs := gen(r.ChainName, "-D", comment, rec)
		if _, err := r.exec(bin, delArgs...); err != nil {
			if strings.Contains(err.Error(), ruleMissing) {
				continue
			}

			return fmt.Errorf("router: delete route for %q: %w", set.Domain, err)
		}

		log.Log().Infof("router: deleted route for %q", set.Domain)
	}

	return nil
}

// RemoveOldRecords removes the DNAT rule for only the routable records in
// set whose CleanupAt is past-due, leaving every other record's rule in
// place, and returns the records it removed.
func (r *Iptables) RemoveOldRecords(set *recordstore.ProxyRecordSet) ([]recordstore.ProxyRecord, error) {
	comment := routeComment(set)
	now := time.Now()

	var removed []recordstore.ProxyRecord

	for i := range set.Records {
		rec := &set.Records[i]
		if !rec.IsRoutable() || rec.CleanupAt == nil || rec.CleanupAt.After(now) {
			continue
		}

		bin := binaryFor(rec.OriginalAddr.To4() != nil, r.DisableIPv6)
		if bin == "" {
			removed = append(removed, *rec)

			continue
		}

		delArgs := gen(r.ChainName, "-D", comment, rec)
		if _, err := r.exec(bin, delArgs...); err != nil && !strings.Contains(err.Error(), ruleMissing) {
			return removed, fmt.Errorf("router: remove old record for %q: %w", set.Domain, err)
		}

		log.Log().Infof("router: removed stale route for %q (%s -> %s)", set.Domain, rec.MappedAddr, rec.OriginalAddr)

		removed = append(removed, *rec)
	}

	return removed, nil
}

func binaryFor(isIPv4 bool, disableIPv6 bool) string {
	if isIPv4 {
		return "iptables"
	}

	if disableIPv6 {
		return ""
	}

	return "ip6tables"
}

func routeComment(set *recordstore.ProxyRecordSet) string {
	return set.Domain
}

// gen builds the iptables argument list for mode ("-A", "-C" or "-D") against rec.
func gen(chainName, mode, comment string, rec *recordstore.ProxyRecord) []string {
	args := []string{mode, chainName, "-w", "-t", "nat", "-m", "comment", "--comment", comment}

	return append(args, "-d", rec.MappedAddr.String(), "-j", "DNAT", "--to", rec.OriginalAddr.String())
}
