// Package router 按配置顺序匹配规则，为每条流选出出站 tag。
package router

import (
	"context"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
)

// Resolver 是 Router 依赖的解析能力
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

type Options struct {
	GeoIP GeoIP
	// Outbounds 不为空时，规则引用的出站必须在其中
	Outbounds []string
}

// ruleSet 发布后只读
type ruleSet struct {
	rules []Rule
}

type Router struct {
	current  atomic.Value // *ruleSet
	resolver Resolver
	opts     Options
}

func New(rules []Rule, resolver Resolver, opts Options) (*Router, error) {
	r := &Router{resolver: resolver, opts: opts}
	if err := r.validate(rules); err != nil {
		return nil, err
	}
	r.current.Store(&ruleSet{rules: copyRules(rules)})
	return r, nil
}

// Reload 校验新规则集并整体替换。进行中的 Select 要么看到旧规则，要么看到新规则。
func (r *Router) Reload(rules []Rule) error {
	if err := r.validate(rules); err != nil {
		return err
	}
	r.current.Store(&ruleSet{rules: copyRules(rules)})
	log.Info().Int("rules", len(rules)).Msg("Router rules reloaded")
	return nil
}

func (r *Router) Rules() []Rule {
	return copyRules(r.current.Load().(*ruleSet).rules)
}

func (r *Router) validate(rules []Rule) error {
	if len(rules) == 0 {
		return errorx.Config("rule set is empty, a FINAL rule is required")
	}
	var known map[string]bool
	if len(r.opts.Outbounds) > 0 {
		known = make(map[string]bool, len(r.opts.Outbounds))
		for _, tag := range r.opts.Outbounds {
			known[tag] = true
		}
	}
	for i, rule := range rules {
		if rule.Kind == KindFinal && i != len(rules)-1 {
			return errorx.Config("rule line %d: rules after FINAL are unreachable", rules[i+1].Line)
		}
		if rule.Kind == KindGeoIP && r.opts.GeoIP == nil {
			return errorx.Config("rule line %d: GEOIP rule requires a geoip database", rule.Line)
		}
		if known != nil && !known[rule.Outbound] {
			return errorx.Config("rule line %d: unknown outbound %q", rule.Line, rule.Outbound)
		}
	}
	if rules[len(rules)-1].Kind != KindFinal {
		return errorx.Config("rule set has no FINAL rule")
	}
	return nil
}

// Select 返回第一条匹配规则的出站。规则集总以 FINAL 结尾，所以总有结果。
// 只有主机名的目标在遇到第一条地址类规则时解析一次，之后复用结果；
// 解析失败时地址类规则一律不匹配。session 不会被修改。
func (r *Router) Select(ctx context.Context, sess *session.Session) (string, error) {
	rs := r.current.Load().(*ruleSet)
	e := evaluation{ctx: ctx, router: r, sess: sess, host: normalizeHost(sess.Destination.Host)}
	l := session.Logger(ctx)

	for i := range rs.rules {
		rule := &rs.rules[i]
		if e.match(rule) {
			l.Debug().
				Str("rule", rule.String()).
				Str("outbound", rule.Outbound).
				Msg("Rule matched")
			return rule.Outbound, nil
		}
	}
	// validate 保证了最后一条是 FINAL
	return "", errorx.Config("rule set has no FINAL rule")
}

type evaluation struct {
	ctx    context.Context
	router *Router
	sess   *session.Session
	host   string

	resolved bool
	addrs    []netip.Addr
}

func (e *evaluation) addresses() []netip.Addr {
	dst := e.sess.Destination
	if dst.HasAddr() {
		return []netip.Addr{dst.Addr}
	}
	if e.resolved {
		return e.addrs
	}
	e.resolved = true
	if dst.HasHost() && e.router.resolver != nil {
		addrs, err := e.router.resolver.Resolve(e.ctx, dst.Host)
		if err != nil {
			session.Logger(e.ctx).Debug().Err(err).Msg("Resolve failed during routing, IP rules skipped")
			return nil
		}
		e.addrs = addrs
	}
	return e.addrs
}

func (e *evaluation) match(rule *Rule) bool {
	if rule.Kind.needsAddr() {
		return e.matchAddr(rule, e.addresses())
	}
	switch rule.Kind {
	case KindFinal:
		return true
	case KindInboundTag:
		return e.sess.InboundTag == rule.Value
	case KindPortRange:
		p := e.sess.Destination.Port
		return p >= rule.PortFrom && p <= rule.PortTo
	case KindDomain:
		return e.host != "" && e.host == rule.Value
	case KindDomainSuffix:
		return e.host != "" && matchSuffix(e.host, rule.Value)
	case KindDomainKeyword:
		return e.host != "" && strings.Contains(e.host, rule.Value)
	}
	return false
}

func (e *evaluation) matchAddr(rule *Rule, addrs []netip.Addr) bool {
	if len(addrs) == 0 {
		return false
	}
	switch rule.Kind {
	case KindIPCIDR:
		for _, addr := range addrs {
			if rule.Prefix.Contains(addr) {
				return true
			}
		}
	case KindGeoIP:
		if e.router.opts.GeoIP == nil {
			return false
		}
		return strings.EqualFold(e.router.opts.GeoIP.Country(addrs[0]), rule.Value)
	}
	return false
}

// matchSuffix: "example.com" 匹配自身及所有子域名，".example.com" 只匹配子域名。
func matchSuffix(host, pattern string) bool {
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func copyRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}
