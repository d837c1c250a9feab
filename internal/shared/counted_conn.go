package shared

import (
	"net"
	"sync/atomic"
	"time"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/types"
)

// Traffic 是一个出站的累计流量计数
type Traffic struct {
	Uplink   atomic.Uint64
	Downlink atomic.Uint64
}

func (t *Traffic) Stats() types.TrafficStats {
	return types.TrafficStats{Uplink: t.Uplink.Load(), Downlink: t.Downlink.Load()}
}

// CountedConn 是一个 net.Conn 的包装器，用于原子地统计上行和下行流量。
// 写入远端计为上行，从远端读取计为下行。
type CountedConn struct {
	net.Conn
	traffic *Traffic
}

func NewCountedConn(conn net.Conn, traffic *Traffic) *CountedConn {
	return &CountedConn{Conn: conn, traffic: traffic}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.traffic.Downlink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.traffic.Uplink.Add(uint64(n))
	}
	return n, err
}

// CloseWrite 透传半关闭，底层不支持时退化为完全关闭。
func (c *CountedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// CountedPacketConn 对出站数据报套接字做同样的统计
type CountedPacketConn struct {
	types.PacketConn
	traffic *Traffic
}

func NewCountedPacketConn(conn types.PacketConn, traffic *Traffic) *CountedPacketConn {
	return &CountedPacketConn{PacketConn: conn, traffic: traffic}
}

func (c *CountedPacketConn) WriteToDestination(p []byte, dst session.Destination) (int, error) {
	n, err := c.PacketConn.WriteToDestination(p, dst)
	if n > 0 {
		c.traffic.Uplink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(p)
	if n > 0 {
		c.traffic.Downlink.Add(uint64(n))
	}
	return n, addr, err
}

func (c *CountedPacketConn) SetReadDeadline(t time.Time) error {
	return c.PacketConn.SetReadDeadline(t)
}
