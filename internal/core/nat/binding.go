package nat

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/types"
)

// epoch 之后经过的单调时间，不受系统时钟调整影响
var epoch = time.Now()

func monotonic() time.Duration { return time.Since(epoch) }

// Key 标识一个 UDP 客户端: 同一入站上的同一源地址共享一个绑定。
type Key struct {
	Source     netip.AddrPort
	InboundTag string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s", k.InboundTag, k.Source)
}

func KeyOf(s *session.Session) Key {
	return Key{Source: s.Source, InboundTag: s.InboundTag}
}

// Binding 拥有出站数据报套接字。两个方向的每个数据报都会刷新 lastActivity。
type Binding struct {
	key      Key
	outbound string
	conn     types.PacketConn
	created  time.Time

	lastActivity atomic.Int64
	uplink       atomic.Uint64
	downlink     atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewBinding(key Key, outboundTag string, conn types.PacketConn) *Binding {
	b := &Binding{
		key:      key,
		outbound: outboundTag,
		conn:     conn,
		created:  time.Now(),
		done:     make(chan struct{}),
	}
	b.Touch()
	return b
}

func (b *Binding) Key() Key             { return b.key }
func (b *Binding) Outbound() string     { return b.outbound }
func (b *Binding) LocalAddr() net.Addr  { return b.conn.LocalAddr() }
func (b *Binding) Done() <-chan struct{} { return b.done }

func (b *Binding) Touch() {
	b.lastActivity.Store(int64(monotonic()))
}

func (b *Binding) idleFor(now time.Duration) time.Duration {
	return now - time.Duration(b.lastActivity.Load())
}

// WriteTo 把客户端数据报发往 dst
func (b *Binding) WriteTo(p []byte, dst session.Destination) (int, error) {
	n, err := b.conn.WriteToDestination(p, dst)
	if n > 0 {
		b.uplink.Add(uint64(n))
		b.Touch()
	}
	return n, err
}

// ReadFrom 读取一个返回数据报
func (b *Binding) ReadFrom(p []byte) (int, net.Addr, error) {
	n, from, err := b.conn.ReadFrom(p)
	if n > 0 {
		b.downlink.Add(uint64(n))
		b.Touch()
	}
	return n, from, err
}

func (b *Binding) SetReadDeadline(t time.Time) error {
	return b.conn.SetReadDeadline(t)
}

// Close 关闭套接字，阻塞在读写上的调用会带错误返回。可重复调用。
func (b *Binding) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}

func (b *Binding) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// BindingInfo 是绑定的只读快照
type BindingInfo struct {
	Source   string        `json:"source"`
	Inbound  string        `json:"inbound"`
	Outbound string        `json:"outbound"`
	Age      time.Duration `json:"age"`
	Idle     time.Duration `json:"idle"`
	Uplink   uint64        `json:"uplink"`
	Downlink uint64        `json:"downlink"`
}

func (b *Binding) Info() BindingInfo {
	return BindingInfo{
		Source:   b.key.Source.String(),
		Inbound:  b.key.InboundTag,
		Outbound: b.outbound,
		Age:      time.Since(b.created),
		Idle:     b.idleFor(monotonic()),
		Uplink:   b.uplink.Load(),
		Downlink: b.downlink.Load(),
	}
}
