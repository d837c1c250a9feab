// Package socks5proxy 通过上游 SOCKS5 代理转发 TCP 流。
package socks5proxy

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

var ErrUDPUnsupported = errors.New("socks outbound does not relay udp")

type Outbound struct {
	tag       string
	proxyAddr string
	dialer    proxy.ContextDialer
	traffic   shared.Traffic
	logger    zerolog.Logger
}

var _ types.Outbound = (*Outbound)(nil)

func New(p types.ProxyConf, connectTimeout time.Duration) (*Outbound, error) {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	proxyAddr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: connectTimeout})
	if err != nil {
		return nil, errorx.WrapConfig(err, "create socks5 dialer")
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errorx.Config("socks5 dialer for %s does not support contexts", proxyAddr)
	}
	return &Outbound{
		tag:       p.Tag,
		proxyAddr: proxyAddr,
		dialer:    cd,
		logger: log.With().
			Str("outbound_type", "socks5").
			Str("outbound", p.Tag).
			Str("proxy_addr", proxyAddr).Logger(),
	}, nil
}

func (o *Outbound) Tag() string                      { return o.tag }
func (o *Outbound) Type() string                     { return "socks" }
func (o *Outbound) TrafficStats() types.TrafficStats { return o.traffic.Stats() }

// DialTCP 由上游代理解析主机名，本地不做解析。
func (o *Outbound) DialTCP(ctx context.Context, dst session.Destination) (net.Conn, error) {
	conn, err := o.dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		o.logger.Debug().Err(err).Str("target", dst.String()).Msg("Failed to dial target via SOCKS5 proxy.")
		return nil, errorx.Dial(dst.String(), err)
	}
	return shared.NewCountedConn(conn, &o.traffic), nil
}

func (o *Outbound) DialPacket(_ context.Context, dst session.Destination) (types.PacketConn, error) {
	return nil, errorx.Dial(dst.String(), ErrUDPUnsupported)
}
