// Package dns 提供带缓存和防击穿的域名解析服务。
package dns

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koomox/redblacktree"
	mdns "github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/logger"
	"liuproxy_tunnel/internal/shared/types"
)

// Exchanger 向单个上游发送一次查询
type Exchanger interface {
	Exchange(ctx context.Context, m *mdns.Msg, server string) (*mdns.Msg, error)
}

type Options struct {
	Servers   []string
	Timeout   time.Duration
	MinTTL    time.Duration
	MaxTTL    time.Duration
	IPv6      bool
	Hosts     []types.HostConf
	Exchanger Exchanger // 为空时使用 miekg/dns 客户端
}

// entry 创建后不再修改，刷新时整体替换。
type entry struct {
	addrs   []netip.Addr
	expires time.Time
}

type Resolver struct {
	servers   []string
	exchanger Exchanger
	timeout   time.Duration
	minTTL    time.Duration
	maxTTL    time.Duration
	ipv6      bool
	hosts     *redblacktree.Tree

	mu    sync.RWMutex
	cache map[string]*entry
	group singleflight.Group

	queries atomic.Uint64
	now     func() time.Time
	logger  zerolog.Logger
}

type Stats struct {
	CacheSize int    `json:"cache_size"`
	Queries   uint64 `json:"queries"`
}

func New(opts Options) (*Resolver, error) {
	if len(opts.Servers) == 0 {
		return nil, errorx.Config("no dns server configured")
	}
	r := &Resolver{
		exchanger: opts.Exchanger,
		timeout:   opts.Timeout,
		minTTL:    opts.MinTTL,
		maxTTL:    opts.MaxTTL,
		ipv6:      opts.IPv6,
		hosts:     redblacktree.NewWithStringComparator(),
		cache:     make(map[string]*entry),
		now:       time.Now,
		logger:    logger.WithComponent("dns"),
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.maxTTL < r.minTTL {
		r.maxTTL = r.minTTL
	}
	for _, s := range opts.Servers {
		s = strings.TrimSpace(s)
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		r.servers = append(r.servers, s)
	}
	for _, h := range opts.Hosts {
		addrs := make([]netip.Addr, 0, len(h.Addrs))
		for _, a := range h.Addrs {
			addr, err := netip.ParseAddr(a)
			if err != nil {
				return nil, errorx.Config("host %s: invalid address %q", h.Name, a)
			}
			addrs = append(addrs, addr.Unmap())
		}
		r.hosts.Put(normalize(h.Name), addrs)
	}
	if r.exchanger == nil {
		r.exchanger = newClientExchanger(r.timeout)
	}
	return r, nil
}

// Resolve 返回 host 的地址列表。缓存新鲜时不访问网络；
// 同一个 host 同时最多只有一次上游查询，并发调用者共享结果。
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	name := normalize(host)
	if name == "" {
		return nil, errorx.Resolution(host, errors.New("empty hostname"))
	}
	if v, ok := r.hosts.Get(name); ok {
		return clone(v.([]netip.Addr)), nil
	}
	if e := r.fresh(name); e != nil {
		return clone(e.addrs), nil
	}

	ch := r.group.DoChan(name, func() (interface{}, error) {
		if e := r.fresh(name); e != nil {
			return e, nil
		}
		// 查询与单个调用者的 ctx 解耦，调用者取消不会让其他等待者失败。
		qctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		addrs, ttl, err := r.lookup(qctx, name)
		if err != nil {
			return nil, errorx.Resolution(name, err)
		}
		e := &entry{addrs: addrs, expires: r.now().Add(ttl)}
		r.mu.Lock()
		r.cache[name] = e
		r.mu.Unlock()
		r.logger.Debug().Str("host", name).Int("addrs", len(addrs)).Dur("ttl", ttl).Msg("resolved")
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.(*entry).addrs), nil
	}
}

func (r *Resolver) fresh(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.cache[name]; ok && r.now().Before(e.expires) {
		return e
	}
	return nil
}

// lookup 按配置顺序逐个尝试上游，第一个给出记录的上游胜出。
// 结果顺序固定: A 记录在前，AAAA 在后，各自保持上游返回的顺序。
func (r *Resolver) lookup(ctx context.Context, name string) ([]netip.Addr, time.Duration, error) {
	qtypes := []uint16{mdns.TypeA}
	if r.ipv6 {
		qtypes = append(qtypes, mdns.TypeAAAA)
	}
	var lastErr error
	for _, server := range r.servers {
		var addrs []netip.Addr
		var minTTL uint32
		for _, qt := range qtypes {
			got, ttl, err := r.query(ctx, name, qt, server)
			if err != nil {
				lastErr = err
				continue
			}
			if len(got) > 0 && (minTTL == 0 || ttl < minTTL) {
				minTTL = ttl
			}
			addrs = append(addrs, got...)
		}
		if len(addrs) > 0 {
			return addrs, r.clampTTL(time.Duration(minTTL) * time.Second), nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no usable record")
	}
	return nil, 0, lastErr
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16, server string) ([]netip.Addr, uint32, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	r.queries.Add(1)
	in, err := r.exchanger.Exchange(ctx, m, server)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "query %s", server)
	}
	if in.Rcode != mdns.RcodeSuccess {
		return nil, 0, errors.Errorf("%s answered %s", server, mdns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	var minTTL uint32
	for _, rr := range in.Answer {
		var ip net.IP
		switch t := rr.(type) {
		case *mdns.A:
			ip = t.A
		case *mdns.AAAA:
			ip = t.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, minTTL, nil
}

func (r *Resolver) clampTTL(ttl time.Duration) time.Duration {
	if ttl < r.minTTL {
		return r.minTTL
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		return r.maxTTL
	}
	return ttl
}

// Purge 删除已过期的缓存项
func (r *Resolver) Purge() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, name)
			n++
		}
	}
	return n
}

// Run 周期性清理过期缓存，直到 ctx 结束。
func (r *Resolver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Purge(); n > 0 {
				r.logger.Debug().Int("purged", n).Msg("dns cache cleanup")
			}
		}
	}
}

func (r *Resolver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{CacheSize: len(r.cache), Queries: r.queries.Load()}
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}

func clone(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, len(addrs))
	copy(out, addrs)
	return out
}
