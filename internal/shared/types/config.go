package types

// GeneralConf 对应配置文件中的 [General] 段
type GeneralConf struct {
	LogLevel string `ini:"loglevel"`

	DNSServers []string `ini:"dns-server" delim:","`
	DNSTimeout int      `ini:"dns-timeout"` // 秒
	DNSMinTTL  int      `ini:"dns-min-ttl"` // 秒
	DNSMaxTTL  int      `ini:"dns-max-ttl"` // 秒
	DNSIPv6    bool     `ini:"dns-ipv6"`

	SocksInterface string `ini:"socks-interface"`
	SocksPort      int    `ini:"socks-port"`
	HTTPInterface  string `ini:"http-interface"`
	HTTPPort       int    `ini:"http-port"`

	TunnelInterface string `ini:"tunnel-interface"`
	TunnelPort      int    `ini:"tunnel-port"`
	TunnelTarget    string `ini:"tunnel-target"`
	TunnelRedirect  bool   `ini:"tunnel-redirect"`

	APIInterface string `ini:"api-interface"`
	APIPort      int    `ini:"api-port"`
	APIUser      string `ini:"api-user"`
	APIPassword  string `ini:"api-password"`

	GeoIP string `ini:"geoip"`

	MaxConnections   int `ini:"max-connections"`
	ConnectTimeout   int `ini:"connect-timeout"`    // 秒
	TCPIdleTimeout   int `ini:"tcp-idle-timeout"`   // 秒
	UDPIdleTimeout   int `ini:"udp-idle-timeout"`   // 秒
	UDPSweepInterval int `ini:"udp-sweep-interval"` // 秒
	ShutdownTimeout  int `ini:"shutdown-timeout"`   // 秒

	OutboundInterface string `ini:"outbound-interface"`
	RoutingMark       int    `ini:"routing-mark"`
}

// ProxyConf 是 [Proxy] 段中的一行: Name = type[, host, port[, user, pass]]
type ProxyConf struct {
	Tag      string `json:"tag"`
	Type     string `json:"type"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"-"`
	Password string `json:"-"`
}

// RuleConf 是 [Rule] 段中的一行: KIND, value, Outbound
type RuleConf struct {
	Kind     string
	Value    string
	Outbound string
	Line     int
}

// HostConf 是 [Host] 段中的静态解析
type HostConf struct {
	Name  string
	Addrs []string
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string
}

// Config 是整个引擎的配置。
// 只有 [General] 通过 MapTo 映射，其余段由 config 包逐行解析。
type Config struct {
	GeneralConf `ini:"General"`

	Proxies []ProxyConf `ini:"-"`
	Hosts   []HostConf  `ini:"-"`
	Rules   []RuleConf  `ini:"-"`
}

func (c *Config) LogConf() LogConf {
	return LogConf{Level: c.LogLevel}
}
