package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liuproxy_tunnel/internal/core/dispatcher"
	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/logger"
	"liuproxy_tunnel/internal/shared/types"
	"liuproxy_tunnel/internal/sys/tproxy"
)

// redirect 模式下嗅探主机名最多等待的时间，服务端先发言的协议会在此后直接转发
const redirectSniffTimeout = 300 * time.Millisecond

const (
	maxDatagramSize = 65535
	// 每个来源排队等待分发的数据报上限，超出时丢弃
	packetQueueSize = 128
	// 来源队列空闲这么久后回收其 goroutine
	packetQueueIdle = 30 * time.Second
)

// Dispatcher 是 TunnelGateway 需要的分发能力
type Dispatcher interface {
	TCPDispatcher
	DispatchUDP(ctx context.Context, sess *session.Session, payload []byte, reply types.PacketReply) dispatcher.Runner
}

type TunnelOptions struct {
	// Target 为空时只有 redirect 模式的 TCP 可用
	Target   session.Destination
	Redirect bool
}

// TunnelGateway 把 TCP 和 UDP 流量转发到固定目标，或在 redirect 模式下转发到原始目标。
type TunnelGateway struct {
	tag         string
	listenAddr  string
	opts        TunnelOptions
	tcpListener net.Listener
	udpConn     net.PacketConn
	dispatcher  Dispatcher
	logger      zerolog.Logger
	closeOnce   sync.Once
	closing     chan struct{}
	waitGroup   sync.WaitGroup

	queueMu sync.Mutex
	queues  map[netip.AddrPort]chan []byte
}

func NewTunnel(tag, listenAddr string, opts TunnelOptions, d Dispatcher) *TunnelGateway {
	return &TunnelGateway{
		tag:        tag,
		listenAddr: listenAddr,
		opts:       opts,
		dispatcher: d,
		logger:     logger.WithComponent("tunnel").With().Str("inbound", tag).Logger(),
		closing:    make(chan struct{}),
		queues:     make(map[netip.AddrPort]chan []byte),
	}
}

func (g *TunnelGateway) hasTarget() bool {
	return g.opts.Target.Port != 0 && (g.opts.Target.HasHost() || g.opts.Target.HasAddr())
}

// InitializeListener 打开 TCP 监听，有固定目标时再打开同端口的 UDP 套接字。
func (g *TunnelGateway) InitializeListener() (net.Addr, error) {
	if !g.hasTarget() && !g.opts.Redirect {
		return nil, fmt.Errorf("tunnel %s has neither a target nor redirect mode", g.tag)
	}
	l, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel failed to listen on %s: %w", g.listenAddr, err)
	}
	if g.hasTarget() {
		// 使用 TCP 实际端口，listen 端口为 0 时两者保持一致
		pc, err := net.ListenPacket("udp", l.Addr().String())
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("tunnel failed to listen udp on %s: %w", l.Addr(), err)
		}
		g.udpConn = pc
	}
	g.tcpListener = l
	g.logger.Info().
		Str("listen_addr", l.Addr().String()).
		Str("target", g.opts.Target.String()).
		Bool("redirect", g.opts.Redirect).
		Msg(">>> Tunnel is listening.")
	return l.Addr(), nil
}

func (g *TunnelGateway) Addr() net.Addr {
	if g.tcpListener == nil {
		return nil
	}
	return g.tcpListener.Addr()
}

// PacketAddr 返回 UDP 套接字地址，没有固定目标时为 nil
func (g *TunnelGateway) PacketAddr() net.Addr {
	if g.udpConn == nil {
		return nil
	}
	return g.udpConn.LocalAddr()
}

// Serve 运行 TCP accept 循环和 UDP 读循环，两者都因监听器关闭而结束后返回。
func (g *TunnelGateway) Serve(ctx context.Context) error {
	if g.tcpListener == nil {
		return errors.New("tunnel: Serve called before InitializeListener")
	}
	var loops sync.WaitGroup
	if g.udpConn != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			g.packetLoop(ctx)
		}()
	}
	err := g.acceptLoop(ctx)
	if err != nil {
		g.Close()
	}
	loops.Wait()
	return err
}

func (g *TunnelGateway) acceptLoop(ctx context.Context) error {
	for {
		conn, err := g.tcpListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				g.logger.Info().Msg("Tunnel listener is closing.")
				return nil
			}
			if !errorx.IsTemporary(err) {
				g.logger.Error().Err(err).Msg("Tunnel accept loop stopped")
				return err
			}
			g.logger.Warn().Err(err).Msg("Tunnel failed to accept connection")
			time.Sleep(acceptBackoff)
			continue
		}
		g.waitGroup.Add(1)
		go g.handleConnection(ctx, conn)
	}
}

func (g *TunnelGateway) handleConnection(ctx context.Context, conn net.Conn) {
	defer g.waitGroup.Done()

	dst := g.opts.Target
	var inbound net.Conn = conn
	if g.opts.Redirect {
		orig, err := tproxy.GetOriginalDst(conn)
		if err != nil {
			g.logger.Warn().Err(err).Str("client_ip", conn.RemoteAddr().String()).Msg("Could not get original destination")
			conn.Close()
			return
		}
		dst = session.DestinationFromAddrPort(orig)
		reader := bufio.NewReaderSize(conn, 4096)
		if host := sniffHost(conn, reader, redirectSniffTimeout); host != "" {
			dst.Host = host
		}
		inbound = newBufferedConn(conn, reader)
	}

	sess := session.New(g.tag, session.TCP, session.AddrPortOf(conn.RemoteAddr()), dst)
	ctx = session.ContextWithSession(ctx, sess)
	if err := g.dispatcher.DispatchTCP(ctx, sess, inbound, nil)(); err != nil {
		session.Logger(ctx).Debug().Err(err).Msg("Tunnel: TCP flow ended with error")
	}
}

// packetLoop 把数据报按来源放入各自的队列，同一来源的数据报按到达顺序分发。
func (g *TunnelGateway) packetLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := g.udpConn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Warn().Err(err).Msg("Tunnel failed to read datagram")
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		source := session.AddrPortOf(from)
		if !g.enqueue(ctx, source, from, payload) {
			g.logger.Debug().Str("source", source.String()).Msg("Tunnel: queue full, datagram dropped")
		}
	}
}

func (g *TunnelGateway) enqueue(ctx context.Context, source netip.AddrPort, from net.Addr, payload []byte) bool {
	g.queueMu.Lock()
	defer g.queueMu.Unlock()
	q, ok := g.queues[source]
	if !ok {
		q = make(chan []byte, packetQueueSize)
		g.queues[source] = q
		g.waitGroup.Add(1)
		go g.drainQueue(ctx, source, from, q)
	}
	select {
	case q <- payload:
		return true
	default:
		return false
	}
}

// drainQueue 依次分发一个来源的数据报，空闲后退出
func (g *TunnelGateway) drainQueue(ctx context.Context, source netip.AddrPort, from net.Addr, q chan []byte) {
	defer g.waitGroup.Done()
	reply := func(p []byte, _ net.Addr) error {
		_, err := g.udpConn.WriteTo(p, from)
		return err
	}
	idle := time.NewTimer(packetQueueIdle)
	defer idle.Stop()
	for {
		select {
		case payload := <-q:
			sess := session.New(g.tag, session.UDP, source, g.opts.Target)
			if err := g.dispatcher.DispatchUDP(ctx, sess, payload, reply)(); err != nil {
				g.logger.Debug().Err(err).Str("trace_id", sess.ID).Str("source", source.String()).Msg("Tunnel: datagram dropped")
			}
			idle.Reset(packetQueueIdle)
		case <-idle.C:
			g.queueMu.Lock()
			if len(q) > 0 {
				g.queueMu.Unlock()
				idle.Reset(packetQueueIdle)
				continue
			}
			delete(g.queues, source)
			g.queueMu.Unlock()
			return
		case <-ctx.Done():
			g.dropQueue(source)
			return
		case <-g.closing:
			g.dropQueue(source)
			return
		}
	}
}

func (g *TunnelGateway) dropQueue(source netip.AddrPort) {
	g.queueMu.Lock()
	delete(g.queues, source)
	g.queueMu.Unlock()
}

func (g *TunnelGateway) Close() error {
	var errs []error
	g.closeOnce.Do(func() {
		close(g.closing)
		if g.tcpListener != nil {
			errs = append(errs, g.tcpListener.Close())
		}
		if g.udpConn != nil {
			errs = append(errs, g.udpConn.Close())
		}
	})
	return errors.Join(errs...)
}

func (g *TunnelGateway) Wait() {
	g.waitGroup.Wait()
}
