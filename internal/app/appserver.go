// Package app 组装解析器、出站、路由、NAT 表、分发器和所有入站，并管理它们的生命周期。
package app

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"liuproxy_tunnel/internal/core/dispatcher"
	"liuproxy_tunnel/internal/core/dns"
	"liuproxy_tunnel/internal/core/gateway"
	"liuproxy_tunnel/internal/core/nat"
	"liuproxy_tunnel/internal/core/router"
	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/service/web"
	"liuproxy_tunnel/internal/shared/config"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/logger"
	"liuproxy_tunnel/internal/shared/types"
	"liuproxy_tunnel/internal/tunnel"
)

const dnsPurgeInterval = time.Minute

// inbound 是网关和隧道的共同生命周期
type inbound interface {
	InitializeListener() (net.Addr, error)
	Serve(ctx context.Context) error
	Close() error
	Wait()
}

type namedInbound struct {
	tag string
	inbound
}

// AppServer is the application's main struct.
type AppServer struct {
	cfg     *types.Config
	iniPath string

	resolver   *dns.Resolver
	geoip      *router.GeoIPDB
	outbounds  *tunnel.Manager
	router     *router.Router
	nat        *nat.Table
	dispatcher *dispatcher.Dispatcher
	hub        *web.Hub
	inbounds   []namedInbound
	api        *web.Server

	mu        sync.Mutex
	running   bool
	started   time.Time
	listeners map[string]net.Addr
	cancel    context.CancelFunc
	served    chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

var _ web.Controller = (*AppServer)(nil)

// NewFromSource 加载配置后创建 AppServer。
func NewFromSource(src config.Source) (*AppServer, error) {
	cfg, err := config.Load(src)
	if err != nil {
		return nil, err
	}
	return New(cfg, src.File)
}

// New 根据配置组装所有组件，但不打开任何监听。iniPath 用于 Reload，可以为空。
func New(cfg *types.Config, iniPath string) (*AppServer, error) {
	g := cfg.GeneralConf
	s := &AppServer{
		cfg:       cfg,
		iniPath:   iniPath,
		listeners: make(map[string]net.Addr),
		stopped:   make(chan struct{}),
	}

	resolver, err := dns.New(dns.Options{
		Servers: g.DNSServers,
		Timeout: seconds(g.DNSTimeout),
		MinTTL:  seconds(g.DNSMinTTL),
		MaxTTL:  seconds(g.DNSMaxTTL),
		IPv6:    g.DNSIPv6,
		Hosts:   cfg.Hosts,
	})
	if err != nil {
		return nil, err
	}
	s.resolver = resolver

	outbounds, err := tunnel.NewManager(cfg.Proxies, tunnel.Deps{
		Resolver:       resolver,
		ConnectTimeout: seconds(g.ConnectTimeout),
		Interface:      g.OutboundInterface,
		Mark:           g.RoutingMark,
	})
	if err != nil {
		return nil, err
	}
	s.outbounds = outbounds

	routerOpts := router.Options{Outbounds: outbounds.Tags()}
	if g.GeoIP != "" {
		db, err := router.OpenGeoIP(g.GeoIP)
		if err != nil {
			return nil, err
		}
		s.geoip = db
		routerOpts.GeoIP = db
	}
	rules, err := router.Compile(cfg.Rules)
	if err != nil {
		s.closeGeoIP()
		return nil, err
	}
	s.router, err = router.New(rules, resolver, routerOpts)
	if err != nil {
		s.closeGeoIP()
		return nil, err
	}

	s.nat = nat.NewTable(seconds(g.UDPIdleTimeout), seconds(g.UDPSweepInterval))
	s.hub = web.NewHub()
	s.dispatcher = dispatcher.New(s.router, outbounds, s.nat, dispatcher.Options{
		ConnectTimeout: seconds(g.ConnectTimeout),
		TCPIdleTimeout: seconds(g.TCPIdleTimeout),
		MaxConnections: g.MaxConnections,
		Observer:       s.hub,
	})

	if err := s.buildInbounds(); err != nil {
		s.closeGeoIP()
		return nil, err
	}
	return s, nil
}

func (s *AppServer) buildInbounds() error {
	g := s.cfg.GeneralConf
	if g.SocksPort > 0 {
		s.inbounds = append(s.inbounds, namedInbound{"socks", gateway.New("socks", hostPort(g.SocksInterface, g.SocksPort), s.dispatcher)})
	}
	if g.HTTPPort > 0 {
		s.inbounds = append(s.inbounds, namedInbound{"http", gateway.New("http", hostPort(g.HTTPInterface, g.HTTPPort), s.dispatcher)})
	}
	if g.TunnelPort > 0 {
		opts := gateway.TunnelOptions{Redirect: g.TunnelRedirect}
		if g.TunnelTarget != "" {
			target, err := session.ParseDestination(g.TunnelTarget)
			if err != nil {
				return errorx.WrapConfig(err, "tunnel-target")
			}
			opts.Target = target
		} else if !g.TunnelRedirect {
			return errorx.Config("tunnel-port is set but neither tunnel-target nor tunnel-redirect is")
		}
		s.inbounds = append(s.inbounds, namedInbound{"tunnel", gateway.NewTunnel("tunnel", hostPort(g.TunnelInterface, g.TunnelPort), opts, s.dispatcher)})
	}
	if g.APIPort > 0 {
		s.api = web.NewServer(hostPort(g.APIInterface, g.APIPort), g.APIUser, g.APIPassword, s, s.hub)
	}
	return nil
}

// Start 打开所有监听，任何一个失败时关闭已打开的并返回错误。
func (s *AppServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errorx.RuntimeControl("server is already running")
	}
	select {
	case <-s.stopped:
		return errorx.RuntimeControl("server has been shut down and cannot be restarted")
	default:
	}

	opened := make([]namedInbound, 0, len(s.inbounds))
	closeOpened := func() {
		for _, in := range opened {
			in.Close()
		}
	}
	for _, in := range s.inbounds {
		addr, err := in.InitializeListener()
		if err != nil {
			closeOpened()
			return err
		}
		opened = append(opened, in)
		s.listeners[in.tag] = addr
	}
	if s.api != nil {
		addr, err := s.api.InitializeListener()
		if err != nil {
			closeOpened()
			return err
		}
		s.listeners["api"] = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.served = make(chan struct{})

	s.nat.Start()
	group.Go(func() error { return s.resolver.Run(gctx, dnsPurgeInterval) })
	group.Go(func() error { return s.hub.Run(gctx) })
	for _, in := range s.inbounds {
		in := in
		group.Go(func() error { return in.Serve(gctx) })
	}
	if s.api != nil {
		group.Go(func() error { return s.api.Serve(gctx) })
	}
	// ctx 结束 (Shutdown 或任一任务失败) 时关闭所有监听，让 Serve 返回
	group.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})

	go func() {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("[AppServer] background task failed")
		}
		close(s.served)
	}()

	s.running = true
	s.started = time.Now()
	logger.Info().Int("inbounds", len(s.inbounds)).Bool("api", s.api != nil).Msg("[AppServer] started")
	return nil
}

func (s *AppServer) closeListeners() {
	for _, in := range s.inbounds {
		if err := in.Close(); err != nil {
			logger.Warn().Err(err).Str("inbound", in.tag).Msg("[AppServer] failed to close listener")
		}
	}
	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.api.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("[AppServer] web API shutdown incomplete")
		}
	}
}

// Shutdown 关闭监听、取消所有流，并等待入站处理、转发和返回路径任务退出，最多等到 ctx 结束。
func (s *AppServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errorx.RuntimeControl("server is not running")
	}
	s.running = false
	cancel, served := s.cancel, s.served
	s.mu.Unlock()

	logger.Info().Msg("[AppServer] shutting down...")
	cancel()
	s.nat.Close()

	finished := make(chan struct{})
	go func() {
		<-served
		for _, in := range s.inbounds {
			in.Wait()
		}
		s.dispatcher.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		s.finish()
		return errorx.RuntimeControl("shutdown grace period exceeded: %v", ctx.Err())
	}
	s.finish()
	logger.Info().Msg("[AppServer] stopped")
	return nil
}

func (s *AppServer) finish() {
	s.stopOnce.Do(func() {
		s.closeGeoIP()
		close(s.stopped)
	})
}

func (s *AppServer) closeGeoIP() {
	if s.geoip != nil {
		s.geoip.Close()
	}
}

// RequestShutdown 在后台执行 Shutdown，宽限期取自 shutdown-timeout。
func (s *AppServer) RequestShutdown() error {
	if !s.IsRunning() {
		return errorx.RuntimeControl("server is not running")
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), seconds(s.cfg.ShutdownTimeout))
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("[AppServer] requested shutdown failed")
		}
	}()
	return nil
}

func (s *AppServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done 在 Shutdown 完成 (或宽限期耗尽) 后关闭
func (s *AppServer) Done() <-chan struct{} {
	return s.stopped
}

// Addr 返回某个入站 ("socks", "http", "tunnel", "api") 实际监听的地址
func (s *AppServer) Addr(tag string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[tag]
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
