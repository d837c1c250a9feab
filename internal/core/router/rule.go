package router

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

type Kind uint8

const (
	KindDomain Kind = iota + 1
	KindDomainSuffix
	KindDomainKeyword
	KindIPCIDR
	KindGeoIP
	KindPortRange
	KindInboundTag
	KindFinal
)

var kindNames = map[Kind]string{
	KindDomain:        "DOMAIN",
	KindDomainSuffix:  "DOMAIN-SUFFIX",
	KindDomainKeyword: "DOMAIN-KEYWORD",
	KindIPCIDR:        "IP-CIDR",
	KindGeoIP:         "GEOIP",
	KindPortRange:     "PORT-RANGE",
	KindInboundTag:    "INBOUND-TAG",
	KindFinal:         "FINAL",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// needsAddr 表示该类规则要和目标地址比较
func (k Kind) needsAddr() bool {
	return k == KindIPCIDR || k == KindGeoIP
}

// Matcher 是规则的条件部分，按 Kind 只使用其中对应的字段。
type Matcher struct {
	Kind     Kind
	Value    string // 域名、关键字、国家代码或入站 tag
	Prefix   netip.Prefix
	PortFrom uint16
	PortTo   uint16
}

type Rule struct {
	Matcher
	Outbound string
	Line     int
}

func (r Rule) String() string {
	if r.Kind == KindFinal {
		return fmt.Sprintf("FINAL,%s", r.Outbound)
	}
	return fmt.Sprintf("%s,%s,%s", r.Kind, r.Value, r.Outbound)
}

// ParseRule 把配置中的一行编译为规则
func ParseRule(rc types.RuleConf) (Rule, error) {
	r := Rule{Outbound: rc.Outbound, Line: rc.Line}
	value := strings.TrimSpace(rc.Value)
	switch strings.ToUpper(rc.Kind) {
	case "DOMAIN":
		r.Kind = KindDomain
		r.Value = normalizeHost(value)
	case "DOMAIN-SUFFIX":
		r.Kind = KindDomainSuffix
		// 前导 "." 表示只匹配子域名，保留下来
		r.Value = strings.ToLower(strings.TrimSuffix(value, "."))
	case "DOMAIN-KEYWORD":
		r.Kind = KindDomainKeyword
		r.Value = strings.ToLower(value)
	case "IP-CIDR", "IP-CIDR6":
		r.Kind = KindIPCIDR
		prefix, err := parsePrefix(value)
		if err != nil {
			return r, errorx.Config("rule line %d: %v", rc.Line, err)
		}
		r.Prefix = prefix
		r.Value = prefix.String()
	case "GEOIP":
		r.Kind = KindGeoIP
		r.Value = strings.ToUpper(value)
	case "PORT-RANGE", "DST-PORT":
		r.Kind = KindPortRange
		from, to, err := parsePortRange(value)
		if err != nil {
			return r, errorx.Config("rule line %d: %v", rc.Line, err)
		}
		r.PortFrom, r.PortTo = from, to
		r.Value = value
	case "INBOUND-TAG":
		r.Kind = KindInboundTag
		r.Value = value
	case "FINAL", "MATCH":
		r.Kind = KindFinal
	default:
		return r, errorx.Config("rule line %d: unknown rule type %q", rc.Line, rc.Kind)
	}
	if r.Kind != KindFinal && r.Value == "" {
		return r, errorx.Config("rule line %d: %s needs a value", rc.Line, r.Kind)
	}
	if r.Outbound == "" {
		return r, errorx.Config("rule line %d: missing outbound", rc.Line)
	}
	return r, nil
}

// Compile 依次编译所有规则，保持配置顺序
func Compile(confs []types.RuleConf) ([]Rule, error) {
	rules := make([]Rule, 0, len(confs))
	for _, rc := range confs {
		r, err := ParseRule(rc)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid IP address format: '%s'", s)
		}
		addr = addr.Unmap()
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR '%s': %w", s, err)
	}
	return prefix.Masked(), nil
}

func parsePortRange(s string) (uint16, uint16, error) {
	if from, to, ok := strings.Cut(s, "-"); ok {
		start, err1 := strconv.ParseUint(strings.TrimSpace(from), 10, 16)
		end, err2 := strconv.ParseUint(strings.TrimSpace(to), 10, 16)
		if err1 != nil || err2 != nil || start > end || start == 0 {
			return 0, 0, fmt.Errorf("invalid port range values: %s", s)
		}
		return uint16(start), uint16(end), nil
	}
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, 0, fmt.Errorf("invalid port: %s", s)
	}
	return uint16(port), uint16(port), nil
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}
