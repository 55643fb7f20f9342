package pac

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// DefaultExecTimeout bounds a single FindProxyForURL call. Scripts
// that loop forever are interrupted and the call fails.
const DefaultExecTimeout = 5 * time.Second

var errExecTimeout = errors.New("pac: script execution timed out")

// Sandbox runs a compiled PAC script. The script sees exactly the
// standard PAC helper functions and nothing else of the host: no
// filesystem, no network beyond the resolver-backed helpers, no
// process access. The underlying VM is single-threaded, so every
// evaluation serializes on an internal lock.
type Sandbox struct {
	mu          sync.Mutex
	vm          *otto.Otto
	resolver    Resolver
	execTimeout time.Duration
	logger      *slog.Logger

	// now is swappable for the time-based helper tests.
	now func() time.Time
}

// NewSandbox compiles script and verifies it defines FindProxyForURL.
func NewSandbox(script string, resolver Resolver, execTimeout time.Duration, logger *slog.Logger) (*Sandbox, error) {
	if resolver == nil {
		resolver = NewResolver()
	}
	if execTimeout <= 0 {
		execTimeout = DefaultExecTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sandbox{
		vm:          otto.New(),
		resolver:    resolver,
		execTimeout: execTimeout,
		logger:      logger,
		now:         time.Now,
	}
	if err := s.install(); err != nil {
		return nil, err
	}

	if _, err := s.vm.Run(script); err != nil {
		return nil, fmt.Errorf("compile PAC script: %w", err)
	}
	fn, err := s.vm.Get("FindProxyForURL")
	if err != nil || !fn.IsFunction() {
		return nil, errors.New("PAC script does not define FindProxyForURL")
	}
	return s, nil
}

// Evaluate runs FindProxyForURL(url, host) and returns the raw result
// string.
func (s *Sandbox) Evaluate(url, host string) (result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if caught := recover(); caught != nil {
			if caught == errExecTimeout {
				err = errExecTimeout
				return
			}
			panic(caught)
		}
	}()

	s.vm.Interrupt = make(chan func(), 1)
	watchdog := time.AfterFunc(s.execTimeout, func() {
		s.vm.Interrupt <- func() { panic(errExecTimeout) }
	})
	defer watchdog.Stop()

	value, err := s.vm.Call("FindProxyForURL", nil, url, host)
	if err != nil {
		return "", fmt.Errorf("run FindProxyForURL: %w", err)
	}
	if !value.IsString() {
		return "", fmt.Errorf("FindProxyForURL returned %s, want string", value.Class())
	}
	return value.String(), nil
}

// install registers the PAC helper functions and neuters console and
// alert so scripts cannot write to the process's stdout.
func (s *Sandbox) install() error {
	helpers := map[string]func(otto.FunctionCall) otto.Value{
		"isPlainHostName":     s.isPlainHostName,
		"dnsDomainIs":         s.dnsDomainIs,
		"localHostOrDomainIs": s.localHostOrDomainIs,
		"isResolvable":        s.isResolvable,
		"isInNet":             s.isInNet,
		"dnsResolve":          s.dnsResolve,
		"myIpAddress":         s.myIPAddress,
		"dnsDomainLevels":     s.dnsDomainLevels,
		"shExpMatch":          s.shExpMatch,
		"weekdayRange":        s.weekdayRange,
		"dateRange":           s.dateRange,
		"timeRange":           s.timeRange,
	}
	for name, fn := range helpers {
		if err := s.vm.Set(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	log := func(call otto.FunctionCall) otto.Value {
		parts := make([]string, len(call.ArgumentList))
		for i, arg := range call.ArgumentList {
			parts[i] = arg.String()
		}
		s.logger.Debug("pac script output", "message", strings.Join(parts, " "))
		return otto.UndefinedValue()
	}
	console, err := s.vm.Object(`({})`)
	if err != nil {
		return err
	}
	for _, name := range []string{"log", "warn", "error", "debug"} {
		if err := console.Set(name, log); err != nil {
			return err
		}
	}
	if err := s.vm.Set("console", console); err != nil {
		return err
	}
	return s.vm.Set("alert", log)
}

func (s *Sandbox) boolValue(v bool) otto.Value {
	if v {
		return otto.TrueValue()
	}
	return otto.FalseValue()
}

func (s *Sandbox) stringValue(v string) otto.Value {
	val, err := s.vm.ToValue(v)
	if err != nil {
		return otto.UndefinedValue()
	}
	return val
}

// isPlainHostName(host) is true when host contains no dots.
func (s *Sandbox) isPlainHostName(call otto.FunctionCall) otto.Value {
	host := call.Argument(0).String()
	return s.boolValue(!strings.Contains(host, "."))
}

// dnsDomainIs(host, domain) is true when host ends in domain.
func (s *Sandbox) dnsDomainIs(call otto.FunctionCall) otto.Value {
	host := strings.ToLower(call.Argument(0).String())
	domain := strings.ToLower(call.Argument(1).String())
	return s.boolValue(strings.HasSuffix(host, domain))
}

// localHostOrDomainIs(host, hostdom) is true on an exact match, or
// when host is unqualified and matches the first label of hostdom.
func (s *Sandbox) localHostOrDomainIs(call otto.FunctionCall) otto.Value {
	host := strings.ToLower(call.Argument(0).String())
	hostdom := strings.ToLower(call.Argument(1).String())
	if host == hostdom {
		return s.boolValue(true)
	}
	return s.boolValue(!strings.Contains(host, ".") && strings.HasPrefix(hostdom, host+"."))
}

func (s *Sandbox) isResolvable(call otto.FunctionCall) otto.Value {
	_, err := s.resolver.LookupHost(call.Argument(0).String())
	return s.boolValue(err == nil)
}

// isInNet(host, pattern, mask) resolves host if needed and tests it
// against the dotted-quad pattern and mask.
func (s *Sandbox) isInNet(call otto.FunctionCall) otto.Value {
	ip, err := s.resolver.LookupHost(call.Argument(0).String())
	if err != nil {
		return s.boolValue(false)
	}
	ip4 := ip.To4()
	pattern := net.ParseIP(call.Argument(1).String())
	maskIP := net.ParseIP(call.Argument(2).String())
	if ip4 == nil || pattern == nil || maskIP == nil || maskIP.To4() == nil {
		return s.boolValue(false)
	}
	mask := net.IPMask(maskIP.To4())
	return s.boolValue(ip4.Mask(mask).Equal(pattern.Mask(mask)))
}

// dnsResolve(host) returns the resolved address or null.
func (s *Sandbox) dnsResolve(call otto.FunctionCall) otto.Value {
	ip, err := s.resolver.LookupHost(call.Argument(0).String())
	if err != nil {
		return otto.NullValue()
	}
	return s.stringValue(ip.String())
}

func (s *Sandbox) myIPAddress(_ otto.FunctionCall) otto.Value {
	return s.stringValue(s.resolver.MyIPAddress())
}

// dnsDomainLevels(host) counts the dots in host.
func (s *Sandbox) dnsDomainLevels(call otto.FunctionCall) otto.Value {
	host := call.Argument(0).String()
	val, err := s.vm.ToValue(strings.Count(host, "."))
	if err != nil {
		return otto.UndefinedValue()
	}
	return val
}

// shExpMatch(str, shexp) is a case-sensitive glob match where *
// matches any run of characters and ? exactly one.
func (s *Sandbox) shExpMatch(call otto.FunctionCall) otto.Value {
	str := call.Argument(0).String()
	shexp := call.Argument(1).String()
	return s.boolValue(globMatch(shexp, str))
}

func globMatch(pattern, value string) bool {
	// Iterative wildcard match with single-star backtracking.
	var pi, vi, star, starVi int
	star = -1
	for vi < len(value) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == value[vi]):
			pi++
			vi++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			starVi = vi
			pi++
		case star >= 0:
			pi = star + 1
			starVi++
			vi = starVi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

var weekdays = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

var months = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

// stringArgs collects the call arguments and strips a trailing "GMT".
func stringArgs(call otto.FunctionCall) (args []string, gmt bool) {
	for _, a := range call.ArgumentList {
		args = append(args, a.String())
	}
	if n := len(args); n > 0 && strings.EqualFold(args[n-1], "GMT") {
		return args[:n-1], true
	}
	return args, false
}

func (s *Sandbox) nowIn(gmt bool) time.Time {
	if gmt {
		return s.now().UTC()
	}
	return s.now()
}

// weekdayRange(wd1 [, wd2] [, "GMT"]) tests the current weekday, with
// wraparound when wd1 is after wd2.
func (s *Sandbox) weekdayRange(call otto.FunctionCall) otto.Value {
	args, gmt := stringArgs(call)
	wd := int(s.nowIn(gmt).Weekday())

	switch len(args) {
	case 1:
		d, ok := weekdays[strings.ToUpper(args[0])]
		return s.boolValue(ok && wd == d)
	case 2:
		d1, ok1 := weekdays[strings.ToUpper(args[0])]
		d2, ok2 := weekdays[strings.ToUpper(args[1])]
		if !ok1 || !ok2 {
			return s.boolValue(false)
		}
		return s.boolValue(inWrappedRange(wd, d1, d2))
	default:
		return s.boolValue(false)
	}
}

// inWrappedRange reports a <= v <= b, wrapping when a > b.
func inWrappedRange(v, a, b int) bool {
	if a <= b {
		return v >= a && v <= b
	}
	return v >= a || v <= b
}

type dateToken struct {
	kind  int // 0 day, 1 month, 2 year
	value int
}

const (
	kindDay = iota
	kindMonth
	kindYear
)

func parseDateToken(s string) (dateToken, bool) {
	if m, ok := months[strings.ToUpper(s)]; ok {
		return dateToken{kind: kindMonth, value: m}, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return dateToken{}, false
	}
	if n >= 1 && n <= 31 {
		return dateToken{kind: kindDay, value: n}, true
	}
	if n > 31 {
		return dateToken{kind: kindYear, value: n}, true
	}
	return dateToken{}, false
}

// dateRange supports the forms from the Netscape PAC reference:
// one argument (day, month, or year), a pair of the same kind,
// (day, month) pairs, (month, year) pairs, and full
// (day, month, year) pairs, each with an optional trailing "GMT".
func (s *Sandbox) dateRange(call otto.FunctionCall) otto.Value {
	args, gmt := stringArgs(call)
	now := s.nowIn(gmt)

	tokens := make([]dateToken, 0, len(args))
	for _, a := range args {
		tok, ok := parseDateToken(a)
		if !ok {
			return s.boolValue(false)
		}
		tokens = append(tokens, tok)
	}

	switch len(tokens) {
	case 1:
		t := tokens[0]
		switch t.kind {
		case kindDay:
			return s.boolValue(now.Day() == t.value)
		case kindMonth:
			return s.boolValue(int(now.Month()) == t.value)
		default:
			return s.boolValue(now.Year() == t.value)
		}
	case 2:
		a, b := tokens[0], tokens[1]
		if a.kind != b.kind {
			return s.boolValue(false)
		}
		switch a.kind {
		case kindDay:
			return s.boolValue(inWrappedRange(now.Day(), a.value, b.value))
		case kindMonth:
			return s.boolValue(inWrappedRange(int(now.Month()), a.value, b.value))
		default:
			return s.boolValue(now.Year() >= a.value && now.Year() <= b.value)
		}
	case 4:
		// Either (day1, mon1, day2, mon2) or (mon1, year1, mon2, year2).
		if tokens[0].kind == kindDay && tokens[1].kind == kindMonth &&
			tokens[2].kind == kindDay && tokens[3].kind == kindMonth {
			cur := int(now.Month())*100 + now.Day()
			lo := tokens[1].value*100 + tokens[0].value
			hi := tokens[3].value*100 + tokens[2].value
			return s.boolValue(inWrappedRange(cur, lo, hi))
		}
		if tokens[0].kind == kindMonth && tokens[1].kind == kindYear &&
			tokens[2].kind == kindMonth && tokens[3].kind == kindYear {
			cur := now.Year()*100 + int(now.Month())
			lo := tokens[1].value*100 + tokens[0].value
			hi := tokens[3].value*100 + tokens[2].value
			return s.boolValue(cur >= lo && cur <= hi)
		}
		return s.boolValue(false)
	case 6:
		if tokens[0].kind == kindDay && tokens[1].kind == kindMonth && tokens[2].kind == kindYear &&
			tokens[3].kind == kindDay && tokens[4].kind == kindMonth && tokens[5].kind == kindYear {
			cur := now.Year()*10000 + int(now.Month())*100 + now.Day()
			lo := tokens[2].value*10000 + tokens[1].value*100 + tokens[0].value
			hi := tokens[5].value*10000 + tokens[4].value*100 + tokens[3].value
			return s.boolValue(cur >= lo && cur <= hi)
		}
		return s.boolValue(false)
	default:
		return s.boolValue(false)
	}
}

// timeRange supports one hour, an hour pair, hour:minute pairs, and
// hour:minute:second pairs, each with an optional trailing "GMT".
func (s *Sandbox) timeRange(call otto.FunctionCall) otto.Value {
	args, gmt := stringArgs(call)
	now := s.nowIn(gmt)
	sec := now.Hour()*3600 + now.Minute()*60 + now.Second()

	nums := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 {
			return s.boolValue(false)
		}
		nums = append(nums, n)
	}

	var lo, hi int
	switch len(nums) {
	case 1:
		return s.boolValue(now.Hour() == nums[0])
	case 2:
		lo = nums[0] * 3600
		hi = nums[1]*3600 + 3599
	case 4:
		lo = nums[0]*3600 + nums[1]*60
		hi = nums[2]*3600 + nums[3]*60 + 59
	case 6:
		lo = nums[0]*3600 + nums[1]*60 + nums[2]
		hi = nums[3]*3600 + nums[4]*60 + nums[5]
	default:
		return s.boolValue(false)
	}
	return s.boolValue(inWrappedRange(sec, lo, hi))
}
