package tunnel

import (
	"sort"
	"time"

	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
	"liuproxy_tunnel/internal/tunnel/direct"
	"liuproxy_tunnel/internal/tunnel/httpproxy"
	"liuproxy_tunnel/internal/tunnel/reject"
	"liuproxy_tunnel/internal/tunnel/socks5proxy"
)

// Deps 是创建出站时需要的共享依赖
type Deps struct {
	Resolver       direct.Resolver
	ConnectTimeout time.Duration
	Interface      string
	Mark           int
}

// NewOutbound 根据 [Proxy] 配置中的类型创建出站。
func NewOutbound(p types.ProxyConf, deps Deps) (types.Outbound, error) {
	switch p.Type {
	case "direct":
		return direct.New(p.Tag, deps.Resolver, direct.Options{
			ConnectTimeout: deps.ConnectTimeout,
			Interface:      deps.Interface,
			Mark:           deps.Mark,
		}), nil
	case "reject":
		return reject.New(p.Tag), nil
	case "socks":
		return socks5proxy.New(p, deps.ConnectTimeout)
	case "http":
		return httpproxy.New(p, deps.ConnectTimeout), nil
	default:
		return nil, errorx.Config("unknown or unsupported outbound type: '%s'", p.Type)
	}
}

// Manager 持有所有出站，创建后只读。
type Manager struct {
	outbounds map[string]types.Outbound
	order     []string
}

var _ types.OutboundProvider = (*Manager)(nil)

// NewManager 按配置顺序创建出站。没有配置任何出站时提供一个名为 Direct 的直连出站。
func NewManager(proxies []types.ProxyConf, deps Deps) (*Manager, error) {
	if len(proxies) == 0 {
		proxies = []types.ProxyConf{{Tag: "Direct", Type: "direct"}}
	}
	m := &Manager{outbounds: make(map[string]types.Outbound, len(proxies))}
	for _, p := range proxies {
		if _, dup := m.outbounds[p.Tag]; dup {
			return nil, errorx.Config("duplicate outbound tag %q", p.Tag)
		}
		ob, err := NewOutbound(p, deps)
		if err != nil {
			return nil, err
		}
		m.outbounds[p.Tag] = ob
		m.order = append(m.order, p.Tag)
	}
	return m, nil
}

func (m *Manager) Outbound(tag string) (types.Outbound, bool) {
	ob, ok := m.outbounds[tag]
	return ob, ok
}

// Tags 按配置顺序返回所有 tag
func (m *Manager) Tags() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

type OutboundInfo struct {
	Tag  string `json:"tag"`
	Type string `json:"type"`
	types.TrafficStats
}

func (m *Manager) Stats() []OutboundInfo {
	infos := make([]OutboundInfo, 0, len(m.order))
	for _, tag := range m.order {
		ob := m.outbounds[tag]
		infos = append(infos, OutboundInfo{Tag: tag, Type: ob.Type(), TrafficStats: ob.TrafficStats()})
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Uplink+infos[i].Downlink > infos[j].Uplink+infos[j].Downlink })
	return infos
}
