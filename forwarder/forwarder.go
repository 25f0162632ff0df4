// Package forwarder dispatches DNS queries to configured upstream resolvers
// for domains that are not intercepted.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"crypto/tls"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/util"

	"github.com/avast/retry-go/v4"
	"github.com/miekg/dns"
	"github.com/mroth/weightedrand"
)

const (
	dnsContentType = "application/dns-message"
	maxAttempts    = 3
	baseWeight     = 60
)

// client exchanges a DNS message with a single configured upstream
type client interface {
	exchange(msg *dns.Msg) (*dns.Msg, time.Duration, error)
	String() string
}

// Forwarder sends queries to one of several weighted upstream resolvers,
// favoring upstreams that have not recently errored.
type Forwarder struct {
	upstreams []*weightedUpstream
	timeout   time.Duration
}

type weightedUpstream struct {
	client        client
	lastErrorTime time.Time
}

// New builds a Forwarder over cfg.Resolvers
func New(cfg config.UpstreamConfig) (*Forwarder, error) {
	if len(cfg.Resolvers) == 0 {
		return nil, fmt.Errorf("forwarder: at least one upstream resolver is required")
	}

	f := &Forwarder{timeout: cfg.Timeout.ToDuration()}

	for _, u := range cfg.Resolvers {
		c, err := newClient(u, f.timeout)
		if err != nil {
			return nil, err
		}

		f.upstreams = append(f.upstreams, &weightedUpstream{client: c})
	}

	return f, nil
}

// Resolve forwards msg to a weighted-random upstream, retrying on temporary
// network errors up to maxAttempts times, optionally against a different upstream each time.
func (f *Forwarder) Resolve(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg

	err := retry.Do(
		func() error {
			up := f.pick()

			r, _, err := up.client.exchange(msg)
			if err != nil {
				up.lastErrorTime = time.Now()

				return err
			}

			resp = r

			return nil
		},
		retry.Attempts(maxAttempts),
		retry.Context(ctx),
		retry.RetryIf(isTemporary),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("forwarder: resolve %s: %w", util.QuestionToString(msg.Question), err)
	}

	return resp, nil
}

func isTemporary(err error) bool {
	var netErr net.Error

	if e, ok := err.(net.Error); ok { //nolint:errorlint
		netErr = e

		return netErr.Timeout()
	}

	return true
}

// pick weighted-randomly selects an upstream, reducing the weight of any
// upstream that errored within the last hour.
func (f *Forwarder) pick() *weightedUpstream {
	choices := make([]weightedrand.Choice, 0, len(f.upstreams))

	for _, u := range f.upstreams {
		weight := baseWeight

		if since := time.Since(u.lastErrorTime); !u.lastErrorTime.IsZero() && since < time.Hour {
			weight = int(math.Max(1, float64(baseWeight)-(baseWeight-since.Minutes())))
		}

		choices = append(choices, weightedrand.Choice{Item: u, Weight: uint(weight)})
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		log.Log().WithError(err).Error("forwarder: failed to build weighted chooser, using first upstream")

		return f.upstreams[0]
	}

	return chooser.Pick().(*weightedUpstream)
}

func newClient(u config.Upstream, timeout time.Duration) (client, error) {
	switch u.Net {
	case config.NetProtocolHttps:
		return &httpsClient{
			httpClient: &http.Client{Timeout: timeout},
			url:        fmt.Sprintf("https://%s%s", net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port))), u.Path),
		}, nil
	case config.NetProtocolTcpTls:
		return &dnsClient{
			client:  &dns.Client{Net: "tcp-tls", Timeout: timeout, TLSConfig: tlsConfigFor(u)},
			address: net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port))),
		}, nil
	default:
		return &dnsClient{
			client:  &dns.Client{Net: "udp", Timeout: timeout},
			tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
			address: net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port))),
		}, nil
	}
}

func tlsConfigFor(u config.Upstream) *tls.Config {
	serverName := u.CommonName
	if serverName == "" {
		serverName = u.Host
	}

	return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
}

type dnsClient struct {
	client  *dns.Client
	tcp     *dns.Client
	address string
}

func (c *dnsClient) exchange(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	resp, rtt, err := c.client.Exchange(msg, c.address)
	if err != nil && c.tcp != nil {
		return c.tcp.Exchange(msg, c.address)
	}

	return resp, rtt, err
}

func (c *dnsClient) String() string {
	return c.address
}

type httpsClient struct {
	httpClient *http.Client
	url        string
}

func (c *httpsClient) exchange(msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	start := time.Now()

	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("forwarder: pack message: %w", err)
	}

	resp, err := c.httpClient.Post(c.url, dnsContentType, bytes.NewReader(packed))
	if err != nil {
		return nil, 0, fmt.Errorf("forwarder: https request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("forwarder: https status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("forwarder: read https body: %w", err)
	}

	out := new(dns.Msg)
	if err := out.Unpack(body); err != nil {
		return nil, 0, fmt.Errorf("forwarder: unpack https response: %w", err)
	}

	return out, time.Since(start), nil
}

func (c *httpsClient) String() string {
	return c.url
}
