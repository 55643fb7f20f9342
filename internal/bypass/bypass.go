// Package bypass decides which targets skip upstream proxying.
package bypass

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// BuiltinRules returns the rules that are active regardless of
// configuration. Loopback and link-local addresses never make sense
// through an upstream proxy; the private ranges and *.local cover LAN
// targets that callers expect to reach directly.
func BuiltinRules() []string {
	rules := []string{
		"localhost",
		"127.0.0.1",
		"::1",
		"169.254.*",
		"10.*",
	}
	for i := 16; i <= 31; i++ {
		rules = append(rules, fmt.Sprintf("172.%d.*", i))
	}
	return append(rules,
		"192.168.*",
		"*.local",
	)
}

// rule is one compiled bypass pattern.
type rule struct {
	raw  string
	re   *regexp.Regexp // anchored hostname match, nil for CIDR rules
	net  *net.IPNet     // CIDR rules match literal IP targets instead
	port string         // optional port restriction, empty matches any port
}

// Evaluator matches target hosts against bypass rules. Rules are
// compiled once at construction; the evaluator is immutable afterwards
// and safe for concurrent use.
type Evaluator struct {
	builtin []rule
	rules   []rule
}

// New compiles the configured patterns plus the built-in local-network
// rules. Empty patterns are skipped, as are CIDR rules that do not
// parse; wildcard compilation itself cannot fail because everything
// outside the wildcard characters is quoted.
func New(patterns []string) *Evaluator {
	e := &Evaluator{}
	for _, p := range BuiltinRules() {
		if r, ok := compile(p); ok {
			e.builtin = append(e.builtin, r)
		}
	}
	for _, p := range patterns {
		if r, ok := compile(p); ok {
			e.rules = append(e.rules, r)
		}
	}
	return e
}

// ShouldBypass reports whether target should skip the proxy. The target
// may be a full URL, a host:port pair, or a bare hostname. Malformed
// targets are never bypassed.
func (e *Evaluator) ShouldBypass(target string) bool {
	host, port := SplitTarget(target)
	if host == "" {
		return false
	}

	ip := net.ParseIP(host)
	for _, r := range e.builtin {
		if r.match(host, port, ip) {
			return true
		}
	}
	for _, r := range e.rules {
		if r.match(host, port, ip) {
			return true
		}
	}
	return false
}

// Rules returns every active rule, built-ins first, in the form it was
// written. Callers exporting a bypass list to a browser or OS proxy
// layer use this to mirror the evaluator's decisions.
func (e *Evaluator) Rules() []string {
	out := make([]string, 0, len(e.builtin)+len(e.rules))
	for _, r := range e.builtin {
		out = append(out, r.raw)
	}
	for _, r := range e.rules {
		out = append(out, r.raw)
	}
	return out
}

func (r rule) match(host, port string, ip net.IP) bool {
	if r.port != "" && r.port != port {
		return false
	}
	if r.net != nil {
		return ip != nil && r.net.Contains(ip)
	}
	return r.re.MatchString(host)
}

// compile turns a single rule into its matcher. Supported forms:
//
//   - "example.com"      exact hostname
//   - "*.example.com"    wildcard, * matches any run and ? one character
//   - ".example.com"     the domain itself and all subdomains
//   - "10.0.0.0/8"       CIDR range for literal IP targets
//   - "host:8443"        any of the above restricted to one port
func compile(raw string) (rule, bool) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if p == "" {
		return rule{}, false
	}
	r := rule{raw: p}

	host, port := splitRulePort(p)
	r.port = port

	if strings.Contains(host, "/") {
		_, ipnet, err := net.ParseCIDR(host)
		if err != nil {
			return rule{}, false
		}
		r.net = ipnet
		return r, true
	}

	r.re = wildcardRegexp(host)
	return r, true
}

// wildcardRegexp compiles a glob into an anchored regular expression.
// A leading dot matches the domain itself and any subdomain.
func wildcardRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	if strings.HasPrefix(glob, ".") {
		b.WriteString(`(.*\.)?`)
		glob = glob[1:]
	}
	for _, c := range glob {
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// splitRulePort splits an optional trailing ":port" off a rule. Bare
// IPv6 literals keep their colons.
func splitRulePort(p string) (host, port string) {
	i := strings.LastIndex(p, ":")
	if i < 0 {
		return p, ""
	}
	cand := p[i+1:]
	if cand == "" || !isDigits(cand) {
		return p, ""
	}
	h := p[:i]
	if strings.Contains(h, ":") && !strings.HasPrefix(h, "[") {
		return p, ""
	}
	return strings.Trim(h, "[]"), cand
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// SplitTarget extracts the hostname and optional port from a target
// URL, host:port pair, or bare host. The host comes back lowercased
// and empty when the target cannot be parsed.
func SplitTarget(target string) (host, port string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ""
	}
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil || u.Hostname() == "" {
			return "", ""
		}
		return strings.ToLower(u.Hostname()), u.Port()
	}
	if h, p, err := net.SplitHostPort(target); err == nil {
		return strings.ToLower(h), p
	}
	return strings.ToLower(strings.Trim(target, "[]")), ""
}
