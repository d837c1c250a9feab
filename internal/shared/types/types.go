package types

import (
	"context"
	"net"
	"time"

	"liuproxy_tunnel/internal/core/session"
)

// Protocol 是入站嗅探识别出的应用层协议
type Protocol string

const (
	ProtoSOCKS5  Protocol = "SOCKS5"
	ProtoHTTP    Protocol = "HTTP"
	ProtoTLS     Protocol = "TLS"
	ProtoUnknown Protocol = "UNKNOWN"
)

// TrafficStats 用于报告流量统计信息
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}

// PacketConn 是出站一侧的数据报套接字。
// 同一个 NAT 绑定上的数据报可以发往不同目的地，所以写入时带上目的地。
type PacketConn interface {
	WriteToDestination(p []byte, dst session.Destination) (int, error)
	ReadFrom(p []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// PacketReply 把返回的数据报写回给入站客户端，from 是远端发送方。
type PacketReply func(payload []byte, from net.Addr) error

// Outbound 定义了所有出站的通用能力。
// 失败必须以 errorx.ErrDial 返回，不允许 panic。
type Outbound interface {
	Tag() string
	Type() string
	DialTCP(ctx context.Context, dst session.Destination) (net.Conn, error)
	DialPacket(ctx context.Context, dst session.Destination) (PacketConn, error)
	TrafficStats() TrafficStats
}

// OutboundProvider 按 tag 查找出站
type OutboundProvider interface {
	Outbound(tag string) (Outbound, bool)
}

// FlowRecord 描述一次路由决策，供 web hub 推送和最近目标列表使用。
type FlowRecord struct {
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
	Inbound   string    `json:"inbound"`
	Network   string    `json:"network"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Outbound  string    `json:"outbound"`
	Error     string    `json:"error,omitempty"`
}

// FlowObserver 接收每一条流的路由结果
type FlowObserver interface {
	ObserveFlow(rec FlowRecord)
}
