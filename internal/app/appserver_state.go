package app

import (
	"sort"
	"time"

	"liuproxy_tunnel/internal/core/dispatcher"
	"liuproxy_tunnel/internal/core/dns"
	"liuproxy_tunnel/internal/core/nat"
	"liuproxy_tunnel/internal/core/router"
	"liuproxy_tunnel/internal/shared/config"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/logger"
)

// Stats 是 /api/status 和移动端 QueryStats 返回的运行时快照
type Stats struct {
	Running    bool              `json:"running"`
	Uptime     string            `json:"uptime,omitempty"`
	Listeners  map[string]string `json:"listeners"`
	Rules      int               `json:"rules"`
	Dispatcher dispatcher.Stats  `json:"dispatcher"`
	NAT        nat.Stats         `json:"nat"`
	DNS        dns.Stats         `json:"dns"`
}

func (s *AppServer) Stats() Stats {
	s.mu.Lock()
	running, started := s.running, s.started
	listeners := make(map[string]string, len(s.listeners))
	for tag, addr := range s.listeners {
		listeners[tag] = addr.String()
	}
	s.mu.Unlock()

	st := Stats{
		Running:    running,
		Listeners:  listeners,
		Rules:      len(s.router.Rules()),
		Dispatcher: s.dispatcher.Stats(),
		NAT:        s.nat.Stats(),
		DNS:        s.resolver.Stats(),
	}
	if running {
		st.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	return st
}

// Status implements web.Controller.
func (s *AppServer) Status() any { return s.Stats() }

func (s *AppServer) Outbounds() any { return s.outbounds.Stats() }

// Bindings 返回 NAT 绑定，最近活跃的在前
func (s *AppServer) Bindings() any {
	infos := s.nat.Snapshot()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Idle < infos[j].Idle })
	return infos
}

// RecentTargets 返回最近访问过、还没有精确 DOMAIN 规则的主机。
func (s *AppServer) RecentTargets() []string {
	var configured []string
	for _, r := range s.router.Rules() {
		if r.Kind == router.KindDomain {
			configured = append(configured, r.Value)
		}
	}
	return s.dispatcher.RecentTargets(configured)
}

// Reload 重新读取配置文件并整体替换规则集。出站和监听不变。
func (s *AppServer) Reload() error {
	if s.iniPath == "" {
		return errorx.Config("no config file to reload from")
	}
	return s.ReloadFrom(config.Source{File: s.iniPath})
}

// ReloadFrom 从给定来源重建规则集。新规则集校验失败时保留旧规则集。
func (s *AppServer) ReloadFrom(src config.Source) error {
	cfg, err := config.Load(src)
	if err != nil {
		return err
	}
	rules, err := router.Compile(cfg.Rules)
	if err != nil {
		return err
	}
	if err := s.router.Reload(rules); err != nil {
		return err
	}
	logger.Info().Int("rules", len(rules)).Msg("[AppServer] rule set reloaded")
	if s.hub != nil {
		s.hub.BroadcastStatusUpdate()
	}
	return nil
}

// TestConfig 加载配置并组装所有组件，但不打开监听，用于 -T。
func TestConfig(path string) (string, error) {
	s, err := NewFromSource(config.Source{File: path})
	if err != nil {
		return "", err
	}
	s.closeGeoIP()
	return config.Summary(s.cfg), nil
}
