// Package httpproxy 通过上游 HTTP 代理的 CONNECT 方法转发 TCP 流。
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

var ErrUDPUnsupported = errors.New("http outbound does not relay udp")

type Outbound struct {
	tag       string
	proxyAddr string
	auth      string
	dialer    *net.Dialer
	traffic   shared.Traffic
	logger    zerolog.Logger
}

var _ types.Outbound = (*Outbound)(nil)

func New(p types.ProxyConf, connectTimeout time.Duration) *Outbound {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	o := &Outbound{
		tag:       p.Tag,
		proxyAddr: net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		dialer:    &net.Dialer{Timeout: connectTimeout},
	}
	if p.Username != "" {
		o.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
	}
	o.logger = log.With().
		Str("outbound_type", "http").
		Str("outbound", p.Tag).
		Str("proxy_addr", o.proxyAddr).Logger()
	return o
}

func (o *Outbound) Tag() string                      { return o.tag }
func (o *Outbound) Type() string                     { return "http" }
func (o *Outbound) TrafficStats() types.TrafficStats { return o.traffic.Stats() }

// DialTCP 连接上游代理并发送 CONNECT，收到 200 后返回隧道连接。
func (o *Outbound) DialTCP(ctx context.Context, dst session.Destination) (net.Conn, error) {
	target := dst.String()
	proxyConn, err := o.dialer.DialContext(ctx, "tcp", o.proxyAddr)
	if err != nil {
		return nil, errorx.Dial(target, err)
	}
	// CONNECT 握手也受 ctx 的截止时间约束
	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { proxyConn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: make(http.Header),
	}
	if o.auth != "" {
		connectReq.Header.Set("Proxy-Authorization", o.auth)
	}
	connectReq.Header.Set("User-Agent", "liuproxy-client/1.0")

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, errorx.Dial(target, err)
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, errorx.Dial(target, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		o.logger.Debug().Int("status_code", resp.StatusCode).Str("target", target).Msg("HTTP proxy refused CONNECT.")
		return nil, errorx.Dial(target, fmt.Errorf("proxy returned %s", resp.Status))
	}
	if !stop() {
		proxyConn.Close()
		return nil, errorx.Dial(target, ctx.Err())
	}
	proxyConn.SetDeadline(time.Time{})

	var conn net.Conn = proxyConn
	if br.Buffered() > 0 {
		// 代理在 200 之后立即转发的数据已经进了 br
		conn = &readerConn{Conn: proxyConn, reader: br}
	}
	return shared.NewCountedConn(conn, &o.traffic), nil
}

func (o *Outbound) DialPacket(_ context.Context, dst session.Destination) (types.PacketConn, error) {
	return nil, errorx.Dial(dst.String(), ErrUDPUnsupported)
}

type readerConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *readerConn) Read(b []byte) (int, error) { return c.reader.Read(b) }

func (c *readerConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
