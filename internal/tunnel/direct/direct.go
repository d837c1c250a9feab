// Package direct 直接连接目标地址的出站。
package direct

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

type Options struct {
	ConnectTimeout time.Duration
	Interface      string // SO_BINDTODEVICE
	Mark           int    // SO_MARK
}

type Outbound struct {
	tag      string
	resolver Resolver
	dialer   *net.Dialer
	listen   *net.ListenConfig
	traffic  shared.Traffic
}

var _ types.Outbound = (*Outbound)(nil)

func New(tag string, resolver Resolver, opts Options) *Outbound {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	control := controlFunc(opts.Interface, opts.Mark)
	return &Outbound{
		tag:      tag,
		resolver: resolver,
		dialer:   &net.Dialer{Timeout: opts.ConnectTimeout, Control: control},
		listen:   &net.ListenConfig{Control: control},
	}
}

func (o *Outbound) Tag() string                      { return o.tag }
func (o *Outbound) Type() string                     { return "direct" }
func (o *Outbound) TrafficStats() types.TrafficStats { return o.traffic.Stats() }

// DialTCP 依次尝试目标的每个地址，第一个成功的连接胜出。
func (o *Outbound) DialTCP(ctx context.Context, dst session.Destination) (net.Conn, error) {
	addrs, err := o.addresses(ctx, dst)
	if err != nil {
		return nil, errorx.Dial(dst.String(), err)
	}
	l := zerolog.Ctx(ctx)
	var lastErr error
	for _, addr := range addrs {
		target := netip.AddrPortFrom(addr, dst.Port).String()
		conn, err := o.dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			lastErr = err
			l.Debug().Err(err).Str("addr", target).Msg("Direct dial attempt failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return shared.NewCountedConn(conn, &o.traffic), nil
	}
	return nil, errorx.Dial(dst.String(), lastErr)
}

// DialPacket 打开一个未连接的 UDP 套接字，同一个绑定可以发往多个目的地。
func (o *Outbound) DialPacket(ctx context.Context, dst session.Destination) (types.PacketConn, error) {
	pc, err := o.listen.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, errorx.Dial(dst.String(), err)
	}
	udp, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, errorx.Dial(dst.String(), errors.Errorf("unexpected packet conn %T", pc))
	}
	// 套接字比拨号 ctx 活得久，解析用自己的 ctx，Close 时取消
	bindCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &packetConn{UDPConn: udp, outbound: o, ctx: bindCtx, cancel: cancel}
	return shared.NewCountedPacketConn(conn, &o.traffic), nil
}

func (o *Outbound) addresses(ctx context.Context, dst session.Destination) ([]netip.Addr, error) {
	if dst.HasAddr() {
		return []netip.Addr{dst.Addr}, nil
	}
	if o.resolver == nil {
		return nil, errors.Errorf("no resolver for %s", dst.Host)
	}
	return o.resolver.Resolve(ctx, dst.Host)
}

type packetConn struct {
	*net.UDPConn
	outbound *Outbound
	ctx      context.Context
	cancel   context.CancelFunc
}

// WriteToDestination 发送前解析 dst，每次解析最多等待一个连接超时
func (c *packetConn) WriteToDestination(p []byte, dst session.Destination) (int, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.outbound.dialer.Timeout)
	defer cancel()
	addrs, err := c.outbound.addresses(ctx, dst)
	if err != nil {
		return 0, errorx.Dial(dst.String(), err)
	}
	if len(addrs) == 0 {
		return 0, errorx.Dial(dst.String(), errors.New("no address"))
	}
	return c.UDPConn.WriteToUDPAddrPort(p, netip.AddrPortFrom(addrs[0], dst.Port))
}

// ReadFrom 返回的地址去掉 IPv4-mapped 前缀
func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, ap, err := c.UDPConn.ReadFromUDPAddrPort(p)
	if err != nil {
		return n, nil, err
	}
	return n, net.UDPAddrFromAddrPort(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())), nil
}

func (c *packetConn) Close() error {
	c.cancel()
	return c.UDPConn.Close()
}
