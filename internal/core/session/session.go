// Package session 描述一条被分发的流: 从哪个入站进来，去往哪里。
package session

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Network uint8

const (
	TCP Network = iota + 1
	UDP
)

func (n Network) String() string {
	switch n {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Destination 是流的目标。Host 与 Addr 至少有一个有效。
// 两者都存在时 Addr 只是辅助信息，Host 永远不会被解析结果覆盖。
type Destination struct {
	Host string
	Addr netip.Addr
	Port uint16
}

// ParseDestination 解析 "host:port"，IP 字面量会直接填入 Addr。
func ParseDestination(hostport string) (Destination, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Destination{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return NewDestination(host, uint16(port)), nil
}

func NewDestination(host string, port uint16) Destination {
	if addr, err := netip.ParseAddr(host); err == nil {
		return Destination{Addr: addr.Unmap(), Port: port}
	}
	return Destination{Host: strings.TrimSuffix(host, "."), Port: port}
}

func DestinationFromAddrPort(ap netip.AddrPort) Destination {
	return Destination{Addr: ap.Addr().Unmap(), Port: ap.Port()}
}

func (d Destination) HasHost() bool { return d.Host != "" }
func (d Destination) HasAddr() bool { return d.Addr.IsValid() }

// String 优先使用主机名
func (d Destination) String() string {
	if d.Host != "" {
		return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
	}
	if d.Addr.IsValid() {
		return netip.AddrPortFrom(d.Addr, d.Port).String()
	}
	return ""
}

// Session 在一次分发调用内有效，不会被其他流共享。
type Session struct {
	ID          string
	InboundTag  string
	Network     Network
	Source      netip.AddrPort
	Destination Destination
	Created     time.Time
}

func New(inboundTag string, network Network, source netip.AddrPort, dst Destination) *Session {
	return &Session{
		ID:          uuid.NewString(),
		InboundTag:  inboundTag,
		Network:     network,
		Source:      source,
		Destination: dst,
		Created:     time.Now(),
	}
}

// AddrPortOf 把 net.Addr 转为 netip.AddrPort，无法识别时返回零值。
func AddrPortOf(addr net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	case nil:
		return netip.AddrPort{}
	default:
		ap, _ = netip.ParseAddrPort(addr.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

type ctxKey struct{}

// ContextWithSession 把 session 和带 trace_id 的 logger 一起挂到 ctx 上。
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	l := log.Logger.With().
		Str("trace_id", s.ID).
		Str("inbound", s.InboundTag).
		Str("network", s.Network.String()).
		Str("source", s.Source.String()).
		Str("target", s.Destination.String()).
		Logger()
	ctx = l.WithContext(ctx)
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// Logger 返回 ctx 上的流日志，没有时退回全局 logger。
func Logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
