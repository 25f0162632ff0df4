package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/akaitux/transparent-vpn/config"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestUpstream(t *testing.T, answer net.IP) string {
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

func TestForwarderResolvesAgainstUpstream(t *testing.T) {
	addr := startTestUpstream(t, net.ParseIP("1.2.3.4"))

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	port, err := config.ConvertPort(portStr)
	require.NoError(t, err)

	f, err := New(config.UpstreamConfig{
		Resolvers: []config.Upstream{{Net: config.NetProtocolTcpUdp, Host: host, Port: port}},
		Timeout:   config.Duration(2 * time.Second),
	})
	require.NoError(t, err)

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	resp, err := f.Resolve(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", a.A.String())
}

func TestNewRequiresAtLeastOneResolver(t *testing.T) {
	_, err := New(config.UpstreamConfig{})
	assert.Error(t, err)
}
