package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

const (
	sectionGeneral = "General"
	sectionProxy   = "Proxy"
	sectionHost    = "Host"
	sectionRule    = "Rule"
)

// Source 表示配置的来源，三者只取其一。
type Source struct {
	File     string
	Content  []byte
	Internal *types.Config
}

// Load 按来源加载配置并补全默认值，任何解析错误都是 ErrConfig。
func Load(src Source) (*types.Config, error) {
	switch {
	case src.Internal != nil:
		cfg := *src.Internal
		ApplyDefaults(&cfg)
		return &cfg, nil
	case src.File != "":
		cfg := new(types.Config)
		if err := LoadIni(cfg, src.File); err != nil {
			return nil, err
		}
		return cfg, nil
	case len(src.Content) > 0:
		cfg := new(types.Config)
		if err := parse(cfg, src.Content); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, errorx.Config("empty config source")
}

// LoadIni 加载 ini 配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return errorx.WrapConfig(err, "read config")
	}
	return parse(cfg, data)
}

func parse(cfg *types.Config, data []byte) error {
	iniFile, err := ini.LoadSources(ini.LoadOptions{
		UnparseableSections: []string{sectionRule},
		AllowBooleanKeys:    true,
	}, data)
	if err != nil {
		return errorx.WrapConfig(err, "parse ini")
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return errorx.WrapConfig(err, "map [General]")
	}

	if sec, err := iniFile.GetSection(sectionProxy); err == nil {
		for _, key := range sec.Keys() {
			p, err := ParseProxy(key.Name(), key.Value())
			if err != nil {
				return err
			}
			cfg.Proxies = append(cfg.Proxies, p)
		}
	}

	if sec, err := iniFile.GetSection(sectionHost); err == nil {
		for _, key := range sec.Keys() {
			h := types.HostConf{Name: strings.ToLower(key.Name())}
			for _, a := range key.Strings(",") {
				if net.ParseIP(a) == nil {
					return errorx.Config("[Host] %s: invalid address %q", key.Name(), a)
				}
				h.Addrs = append(h.Addrs, a)
			}
			cfg.Hosts = append(cfg.Hosts, h)
		}
	}

	if sec, err := iniFile.GetSection(sectionRule); err == nil {
		rules, err := ParseRules(sec.Body())
		if err != nil {
			return err
		}
		cfg.Rules = rules
	}

	overrideFromEnvString(&cfg.OutboundInterface, "OUTBOUND_INTERFACE")
	overrideFromEnvString(&cfg.LogLevel, "LOG_LEVEL")
	overrideFromEnvInt(&cfg.RoutingMark, "ROUTING_MARK")
	ApplyDefaults(cfg)
	return nil
}

// ParseProxy 解析 "type[, host, port[, user, pass]]"，type 为 direct、reject、socks 或 http。
func ParseProxy(tag, value string) (types.ProxyConf, error) {
	fields := splitFields(value)
	if len(fields) == 0 || fields[0] == "" {
		return types.ProxyConf{}, errorx.Config("[Proxy] %s: missing type", tag)
	}
	p := types.ProxyConf{Tag: tag, Type: strings.ToLower(fields[0])}
	switch p.Type {
	case "direct", "reject":
		return p, nil
	case "socks", "socks5", "http":
		if p.Type == "socks5" {
			p.Type = "socks"
		}
		if len(fields) < 3 {
			return p, errorx.Config("[Proxy] %s: %s needs host and port", tag, p.Type)
		}
		p.Host = fields[1]
		port, err := strconv.Atoi(fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return p, errorx.Config("[Proxy] %s: invalid port %q", tag, fields[2])
		}
		p.Port = port
		if len(fields) >= 5 {
			p.Username, p.Password = fields[3], fields[4]
		}
		return p, nil
	}
	return p, errorx.Config("[Proxy] %s: unknown type %q", tag, fields[0])
}

// ParseRules 逐行解析 [Rule] 段，保持原有顺序。空行和 # ; // 注释被忽略。
func ParseRules(body string) ([]types.RuleConf, error) {
	var rules []types.RuleConf
	scanner := bufio.NewScanner(strings.NewReader(body))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") || strings.HasPrefix(text, "//") {
			continue
		}
		fields := splitFields(text)
		kind := strings.ToUpper(fields[0])
		r := types.RuleConf{Kind: kind, Line: line}
		switch {
		case kind == "FINAL" || kind == "MATCH":
			if len(fields) != 2 {
				return nil, errorx.Config("rule line %d: %s takes only an outbound", line, kind)
			}
			r.Kind = "FINAL"
			r.Outbound = fields[1]
		case len(fields) == 3:
			r.Value, r.Outbound = fields[1], fields[2]
		default:
			return nil, errorx.Config("rule line %d: expected KIND, value, outbound: %q", line, text)
		}
		if r.Outbound == "" {
			return nil, errorx.Config("rule line %d: empty outbound", line)
		}
		rules = append(rules, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errorx.WrapConfig(err, "scan rules")
	}
	return rules, nil
}

// ApplyDefaults 为零值字段填入默认值
func ApplyDefaults(cfg *types.Config) {
	g := &cfg.GeneralConf
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if len(g.DNSServers) == 0 {
		g.DNSServers = []string{"1.1.1.1", "8.8.8.8"}
	}
	setDefault(&g.DNSTimeout, 5)
	setDefault(&g.DNSMinTTL, 60)
	setDefault(&g.DNSMaxTTL, 3600)
	if g.DNSMaxTTL < g.DNSMinTTL {
		g.DNSMaxTTL = g.DNSMinTTL
	}
	if g.SocksInterface == "" {
		g.SocksInterface = "127.0.0.1"
	}
	if g.HTTPInterface == "" {
		g.HTTPInterface = "127.0.0.1"
	}
	if g.TunnelInterface == "" {
		g.TunnelInterface = "127.0.0.1"
	}
	if g.APIInterface == "" {
		g.APIInterface = "127.0.0.1"
	}
	setDefault(&g.ConnectTimeout, 10)
	setDefault(&g.TCPIdleTimeout, 300)
	setDefault(&g.UDPIdleTimeout, 60)
	setDefault(&g.UDPSweepInterval, 10)
	setDefault(&g.ShutdownTimeout, 5)
}

func splitFields(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func setDefault(target *int, value int) {
	if *target <= 0 {
		*target = value
	}
}

func overrideFromEnvString(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

// String 用于 -T 模式下打印概要
func Summary(cfg *types.Config) string {
	return fmt.Sprintf("%d proxies, %d hosts, %d rules, dns=%s",
		len(cfg.Proxies), len(cfg.Hosts), len(cfg.Rules), strings.Join(cfg.DNSServers, ","))
}
