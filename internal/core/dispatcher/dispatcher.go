// Package dispatcher 负责一条流从路由决策到转发结束的整个生命周期。
package dispatcher

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"liuproxy_tunnel/internal/core/nat"
	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

const maxRecentTargets = 20 // 定义历史记录的最大数量

// ErrStopped 表示 Wait 之后仍有 UDP 绑定在创建
var ErrStopped = errors.New("dispatcher stopped")

// Runner 由调用方负责运行到结束
type Runner func() error

// ReplyFunc 在路由和拨号结束后被调用一次，err 为 nil 表示出站已建立。
// 入站协议在这里给客户端回复成功或失败；返回错误时流被放弃。
type ReplyFunc func(err error) error

// Selector 为一条流选出出站 tag
type Selector interface {
	Select(ctx context.Context, sess *session.Session) (string, error)
}

type Options struct {
	ConnectTimeout time.Duration
	TCPIdleTimeout time.Duration
	MaxConnections int
	Observer       types.FlowObserver
}

type Dispatcher struct {
	router    Selector
	outbounds types.OutboundProvider
	nat       *nat.Table
	opts      Options
	sem       *semaphore.Weighted

	// 返回路径任务，Wait 会等待它们全部退出
	companions sync.WaitGroup
	compMu     sync.Mutex
	stopped    bool

	activeFlows atomic.Int64
	totalFlows  atomic.Uint64
	failedFlows atomic.Uint64

	recentTargets      []string
	recentTargetsMutex sync.Mutex
}

type Stats struct {
	ActiveFlows int64  `json:"active_flows"`
	TotalFlows  uint64 `json:"total_flows"`
	FailedFlows uint64 `json:"failed_flows"`
}

func New(router Selector, outbounds types.OutboundProvider, table *nat.Table, opts Options) *Dispatcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		router:        router,
		outbounds:     outbounds,
		nat:           table,
		opts:          opts,
		recentTargets: make([]string, 0, maxRecentTargets),
	}
	if opts.MaxConnections > 0 {
		d.sem = semaphore.NewWeighted(int64(opts.MaxConnections))
	}
	return d
}

// DispatchTCP 为一条 TCP 流返回 Runner。Runner 结束时 inbound 已被关闭。
// reply 可以为 nil。
func (d *Dispatcher) DispatchTCP(ctx context.Context, sess *session.Session, inbound net.Conn, reply ReplyFunc) Runner {
	if reply == nil {
		reply = func(error) error { return nil }
	}
	return func() error {
		defer inbound.Close()
		ctx := withSession(ctx, sess)
		l := session.Logger(ctx)

		if d.sem != nil {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)
		}
		d.activeFlows.Add(1)
		defer d.activeFlows.Add(-1)
		d.totalFlows.Add(1)
		d.recordTarget(sess.Destination.String())

		outbound, err := d.selectOutbound(ctx, sess)
		if err != nil {
			d.fail(ctx, sess, "", err)
			_ = reply(err)
			return err
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
		remote, err := outbound.DialTCP(dialCtx, sess.Destination)
		cancel()
		if err != nil {
			d.fail(ctx, sess, outbound.Tag(), err)
			_ = reply(err)
			return err
		}
		if err := reply(nil); err != nil {
			remote.Close()
			return errorx.Relay(err)
		}
		d.observe(sess, outbound.Tag(), nil)
		l.Debug().Str("outbound", outbound.Tag()).Msg("TCP flow established")

		stats, err := Relay(ctx, inbound, remote, d.opts.TCPIdleTimeout)
		l.Debug().
			Uint64("uplink", stats.Uplink).
			Uint64("downlink", stats.Downlink).
			AnErr("reason", err).
			Msg("TCP flow closed")
		return err
	}
}

// DispatchUDP 把一个客户端数据报交给 NAT 绑定。第一个数据报会创建绑定并启动返回路径。
func (d *Dispatcher) DispatchUDP(ctx context.Context, sess *session.Session, payload []byte, reply types.PacketReply) Runner {
	return func() error {
		key := nat.KeyOf(sess)
		b, err := d.nat.GetOrCreate(ctx, key, func(fctx context.Context) (*nat.Binding, error) {
			return d.newBinding(fctx, key, sess, reply)
		})
		if err != nil {
			return err
		}
		if _, err := b.WriteTo(payload, sess.Destination); err != nil {
			// 出站套接字出错，立即移除绑定
			d.nat.RemoveBinding(b)
			return errorx.Relay(err)
		}
		return nil
	}
}

func (d *Dispatcher) newBinding(ctx context.Context, key nat.Key, sess *session.Session, reply types.PacketReply) (*nat.Binding, error) {
	ctx = withSession(ctx, sess)
	d.totalFlows.Add(1)
	d.recordTarget(sess.Destination.String())

	outbound, err := d.selectOutbound(ctx, sess)
	if err != nil {
		d.fail(ctx, sess, "", err)
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	pc, err := outbound.DialPacket(dialCtx, sess.Destination)
	cancel()
	if err != nil {
		d.fail(ctx, sess, outbound.Tag(), err)
		return nil, err
	}

	// 工厂可能比入站活得久，Wait 开始后不再启动新的返回路径
	d.compMu.Lock()
	if d.stopped {
		d.compMu.Unlock()
		_ = pc.Close()
		return nil, ErrStopped
	}
	d.companions.Add(1)
	d.compMu.Unlock()

	b := nat.NewBinding(key, outbound.Tag(), pc)
	d.observe(sess, outbound.Tag(), nil)
	session.Logger(ctx).Debug().Str("outbound", outbound.Tag()).Msg("UDP binding created")

	go d.returnPath(ctx, b, reply)
	return b, nil
}

// returnPath 把出站收到的数据报写回客户端，直到绑定被关闭或出错。
func (d *Dispatcher) returnPath(ctx context.Context, b *nat.Binding, reply types.PacketReply) {
	defer d.companions.Done()
	defer d.nat.RemoveBinding(b)
	d.activeFlows.Add(1)
	defer d.activeFlows.Add(-1)

	l := session.Logger(ctx)
	buf := getPacketBuffer()
	defer putPacketBuffer(buf)
	for {
		n, from, err := b.ReadFrom(*buf)
		if err != nil {
			select {
			case <-b.Done():
				l.Debug().Msg("UDP binding closed")
			default:
				l.Debug().Err(err).Msg("UDP return path read failed")
			}
			return
		}
		if err := reply((*buf)[:n], from); err != nil {
			l.Debug().Err(err).Msg("UDP reply to client failed")
			return
		}
	}
}

// withSession 在入站还没有挂上 sess 时为 ctx 附加流日志
func withSession(ctx context.Context, sess *session.Session) context.Context {
	if session.FromContext(ctx) == sess {
		return ctx
	}
	return session.ContextWithSession(ctx, sess)
}

func (d *Dispatcher) selectOutbound(ctx context.Context, sess *session.Session) (types.Outbound, error) {
	tag, err := d.router.Select(ctx, sess)
	if err != nil {
		return nil, err
	}
	outbound, ok := d.outbounds.Outbound(tag)
	if !ok {
		return nil, errorx.Config("rule selected unknown outbound %q", tag)
	}
	return outbound, nil
}

func (d *Dispatcher) fail(ctx context.Context, sess *session.Session, tag string, err error) {
	d.failedFlows.Add(1)
	session.Logger(ctx).Warn().Err(err).Str("outbound", tag).Msg("Dispatch failed")
	d.observe(sess, tag, err)
}

func (d *Dispatcher) observe(sess *session.Session, tag string, err error) {
	if d.opts.Observer == nil {
		return
	}
	rec := types.FlowRecord{
		TraceID:   sess.ID,
		Timestamp: time.Now(),
		Inbound:   sess.InboundTag,
		Network:   sess.Network.String(),
		Source:    sess.Source.String(),
		Target:    sess.Destination.String(),
		Outbound:  tag,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.opts.Observer.ObserveFlow(rec)
}

// Wait 拒绝之后的新绑定，并等待所有返回路径任务退出。调用前应先关闭 NAT 表。
func (d *Dispatcher) Wait() {
	d.compMu.Lock()
	d.stopped = true
	d.compMu.Unlock()
	d.companions.Wait()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		ActiveFlows: d.activeFlows.Load(),
		TotalFlows:  d.totalFlows.Load(),
		FailedFlows: d.failedFlows.Load(),
	}
}

func (d *Dispatcher) recordTarget(target string) {
	if target == "" {
		return
	}
	d.recentTargetsMutex.Lock()
	defer d.recentTargetsMutex.Unlock()

	for _, t := range d.recentTargets {
		if t == target {
			return
		}
	}
	if len(d.recentTargets) >= maxRecentTargets {
		d.recentTargets = d.recentTargets[1:]
	}
	d.recentTargets = append(d.recentTargets, target)
}

// RecentTargets 返回最近访问过的主机 (去掉端口并去重)，已被 configured 覆盖的主机会被过滤。
func (d *Dispatcher) RecentTargets(configured []string) []string {
	d.recentTargetsMutex.Lock()
	targetsCopy := make([]string, len(d.recentTargets))
	copy(targetsCopy, d.recentTargets)
	d.recentTargetsMutex.Unlock()

	skip := make(map[string]struct{}, len(configured))
	for _, v := range configured {
		skip[v] = struct{}{}
	}

	seen := make(map[string]struct{})
	result := make([]string, 0, len(targetsCopy))
	for _, target := range targetsCopy {
		host, _, err := net.SplitHostPort(target)
		if err != nil {
			host = target
		}
		if _, ok := skip[host]; ok {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		result = append(result, host)
	}
	return result
}
