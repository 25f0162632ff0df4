package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/server"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUpstream(t *testing.T, answer net.IP) string {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)

		if len(r.Question) > 0 {
			rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A " + answer.String())
			m.Answer = append(m.Answer, rr)
		}

		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: mux}

	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func testConfig(t *testing.T, listen, upstreamAddr string) *config.Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(upstreamAddr)
	require.NoError(t, err)

	port, err := config.ConvertPort(portStr)
	require.NoError(t, err)

	return &config.Config{
		Listen: config.ListenConfig{listen},
		Upstream: config.UpstreamConfig{
			Resolvers: []config.Upstream{{Net: config.NetProtocolTcpUdp, Host: host, Port: port}},
			Timeout:   config.Duration(2 * time.Second),
		},
		Blocklist: config.BlocklistConfig{
			StaticBlocked: []string{"blocked.example.com"},
		},
		Mapping: config.MappingConfig{
			IPv4Subnet:           "100.64.0.0/28",
			PositiveTTL:          config.Duration(5 * time.Minute),
			RecordLookupCacheTTL: config.Duration(5 * time.Minute),
			CleanupRecordAfter:   config.Duration(10 * time.Minute),
		},
		Router: config.RouterConfig{
			ChainName: "TRSPTEST",
			VPNSubnet: "100.64.0.0/16",
			Mock:      true,
		},
		Reaper: config.ReaperConfig{Interval: config.Duration(time.Hour)},
	}
}

func TestServerSynthesizesBlockedDomainEndToEnd(t *testing.T) {
	upstream := startUpstream(t, net.ParseIP("5.6.7.8"))
	cfg := testConfig(t, "127.0.0.1:28053", upstream)

	srv, err := server.NewServer(context.Background(), cfg)
	require.NoError(t, err)

	srv.Start()
	t.Cleanup(srv.Stop)

	time.Sleep(100 * time.Millisecond)

	c := new(dns.Client)

	msg := new(dns.Msg)
	msg.SetQuestion("blocked.example.com.", dns.TypeA)

	resp, _, err := c.Exchange(msg, "127.0.0.1:28053")
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "100.64.0.1", a.A.String())
}

func TestServerForwardsUnblockedDomainEndToEnd(t *testing.T) {
	upstream := startUpstream(t, net.ParseIP("5.6.7.8"))
	cfg := testConfig(t, "127.0.0.1:28054", upstream)

	srv, err := server.NewServer(context.Background(), cfg)
	require.NoError(t, err)

	srv.Start()
	t.Cleanup(srv.Stop)

	time.Sleep(100 * time.Millisecond)

	c := new(dns.Client)

	msg := new(dns.Msg)
	msg.SetQuestion("allowed.example.com.", dns.TypeA)

	resp, _, err := c.Exchange(msg, "127.0.0.1:28054")
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "5.6.7.8", a.A.String())
}
