package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/akaitux/transparent-vpn/authority"
	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/domainset"
	"github.com/akaitux/transparent-vpn/forwarder"
	"github.com/akaitux/transparent-vpn/ippool"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/metrics"
	"github.com/akaitux/transparent-vpn/reaper"
	"github.com/akaitux/transparent-vpn/recordstore"
	"github.com/akaitux/transparent-vpn/router"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const healthcheckName = "healthcheck.trsp."

// Server wires together every collaborator and runs the DNS listeners.
type Server struct {
	cfg *config.Config

	domains   *domainset.Set
	blocklist *domainset.BlocklistLoader
	sync      *domainset.Sync
	pool      *ippool.Pool
	store     *recordstore.Store
	rtr       router.Router
	fwd       *forwarder.Forwarder
	authority *authority.InterceptAuthority
	reaper    *reaper.Reaper

	udpServers []*dns.Server
	tcpServers []*dns.Server

	httpListener net.Listener

	parentCtx context.Context
	cancel    context.CancelFunc
}

func logger() *logrus.Entry {
	return log.PrefixedLog("server")
}

// NewServer builds every component described by cfg but does not start them.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	domains := domainset.New()

	for _, d := range cfg.Blocklist.StaticBlocked {
		domains.AddBlockedDomain(d)
	}

	for _, d := range cfg.Blocklist.StaticExcluded {
		domains.AddExcludedDomain(d)
	}

	var blocklist *domainset.BlocklistLoader
	if cfg.Blocklist.ZapretDomainsCSVURL != "" {
		bl := cfg.Blocklist
		blocklist = domainset.NewBlocklistLoader(domains, bl.WorkDir, bl.ZapretDomainsCSVURL, bl.ZapretNXDomainsTXTURL,
			bl.RefreshPeriod.ToDuration(), bl.DownloadTimeout.ToDuration(), bl.DownloadCooldown.ToDuration(),
			bl.DownloadAttempts, int(bl.ProcessingConcurrency))
	}

	sync, err := domainset.NewSync(ctx, domains, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.Database)
	if err != nil {
		return nil, fmt.Errorf("server: connect redis sync: %w", err)
	}

	pool, err := ippool.New(cfg.Mapping.IPv4Subnet)
	if err != nil {
		return nil, fmt.Errorf("server: build address pool: %w", err)
	}

	store := recordstore.New()

	rtr := router.NewIptables(cfg.Router.ChainName, cfg.Router.VPNSubnet, cfg.Router.DisableIPv6, cfg.Router.Mock)

	fwd, err := forwarder.New(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("server: build forwarder: %w", err)
	}

	auth := authority.New(domains, pool, store, rtr, fwd, cfg.Mapping)

	rpr := reaper.New(store, pool, rtr, cfg.Reaper.Interval.ToDuration(), cfg.Reaper.ClearAfterTTL.ToDuration())

	var httpListener net.Listener

	if cfg.Prometheus.Enable && cfg.HTTPPort > 0 {
		if httpListener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort)); err != nil {
			return nil, fmt.Errorf("server: listen http on port %d: %w", cfg.HTTPPort, err)
		}

		metrics.Start(cfg.Prometheus)
	}

	s := &Server{
		cfg:          cfg,
		domains:      domains,
		blocklist:    blocklist,
		sync:         sync,
		pool:         pool,
		store:        store,
		rtr:          rtr,
		fwd:          fwd,
		authority:    auth,
		reaper:       rpr,
		httpListener: httpListener,
		parentCtx:    ctx,
	}

	if err := s.buildDNSServers(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) buildDNSServers() error {
	for _, addr := range s.cfg.Listen {
		addr := normalizeListenAddr(addr)

		handler := dns.NewServeMux()
		handler.HandleFunc(".", s.OnRequest)
		handler.HandleFunc(healthcheckName, s.OnHealthCheck)

		s.udpServers = append(s.udpServers, &dns.Server{
			Addr:    addr,
			Net:     "udp",
			Handler: handler,
			UDPSize: 65535,
			NotifyStartedFunc: func() {
				logger().Infof("udp server is up and running on %s", addr)
			},
		})

		s.tcpServers = append(s.tcpServers, &dns.Server{
			Addr:    addr,
			Net:     "tcp",
			Handler: handler,
			NotifyStartedFunc: func() {
				logger().Infof("tcp server is up and running on %s", addr)
			},
		})
	}

	return nil
}

func normalizeListenAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort("", addr)
	}

	return addr
}

// Start creates the NAT chain and runs the reaper sweep loop, blocklist
// refresh and DNS/HTTP listeners in the background. It installs no signal
// handler; shutdown happens through Stop.
func (s *Server) Start() {
	logger().Info("starting server")

	if err := s.rtr.CreateChain(); err != nil {
		logger().WithError(err).Error("failed to create NAT chain")
	}

	ctx, cancel := context.WithCancel(s.parentCtx)
	s.cancel = cancel

	if s.blocklist != nil {
		if err := s.blocklist.Start(ctx); err != nil {
			logger().WithError(err).Error("failed to start blocklist loader")
		}
	}

	go s.reaper.Run(ctx)

	for _, srv := range s.udpServers {
		srv := srv

		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger().WithError(err).Fatalf("start %s listener failed", srv.Net)
			}
		}()
	}

	for _, srv := range s.tcpServers {
		srv := srv

		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger().WithError(err).Fatalf("start %s listener failed", srv.Net)
			}
		}()
	}

	if s.httpListener != nil {
		go func() {
			logger().Infof("http server is up and running on %s", s.httpListener.Addr())

			if err := http.Serve(s.httpListener, http.DefaultServeMux); err != nil {
				logger().WithError(err).Fatal("start http listener failed")
			}
		}()
	}
}

// Stop shuts down every listener and flushes the NAT chain's rules.
func (s *Server) Stop() {
	logger().Info("stopping server")

	if s.cancel != nil {
		s.cancel()
	}

	for _, srv := range s.udpServers {
		if err := srv.Shutdown(); err != nil {
			logger().WithError(err).Errorf("stop %s listener failed", srv.Net)
		}
	}

	for _, srv := range s.tcpServers {
		if err := srv.Shutdown(); err != nil {
			logger().WithError(err).Errorf("stop %s listener failed", srv.Net)
		}
	}

	if err := s.rtr.Cleanup(); err != nil {
		logger().WithError(err).Error("failed to clean up NAT chain")
	}
}

// OnRequest answers a DNS query through the intercept authority.
func (s *Server) OnRequest(w dns.ResponseWriter, req *dns.Msg) {
	logger().Debug("new request")

	resp, err := s.authority.Lookup(context.Background(), req)
	if err != nil {
		logger().WithError(err).Error("error on processing request")
		dns.HandleFailed(w, req)

		return
	}

	resp.MsgHdr.RecursionAvailable = req.MsgHdr.RecursionDesired

	if err := w.WriteMsg(resp); err != nil {
		logger().WithError(err).Error("can't write message")
	}
}

// OnHealthCheck answers the docker healthcheck name without delegating to the authority.
func (s *Server) OnHealthCheck(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = dns.RcodeSuccess

	if err := w.WriteMsg(resp); err != nil {
		logger().WithError(err).Error("can't write message")
	}
}
