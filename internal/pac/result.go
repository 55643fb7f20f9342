package pac

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is one proxy entry parsed out of a PAC result string.
type Endpoint struct {
	Protocol string // http, https, socks4, socks5
	Host     string
	Port     int
}

// Key returns the endpoint as host:port.
func (e Endpoint) Key() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Protocol + "://" + e.Key()
}

// Result is the parsed outcome of evaluating a PAC script for one URL.
type Result struct {
	// Direct is true when the authoritative entry is DIRECT.
	Direct bool
	// Proxies lists the recognized proxy entries in script order. The
	// first one is authoritative; the rest are fallbacks.
	Proxies []Endpoint
	// Raw is the string the script returned.
	Raw string
}

// pacSchemes maps PAC directive keywords to proxy protocols.
var pacSchemes = map[string]string{
	"PROXY":  "http",
	"HTTP":   "http",
	"HTTPS":  "https",
	"SOCKS":  "socks5",
	"SOCKS4": "socks4",
	"SOCKS5": "socks5",
}

// ParseResult parses a PAC return value such as
// "PROXY a:8080; SOCKS5 b:1080; DIRECT". Unrecognized entries are
// skipped; a result with no usable entry at all is an error.
func ParseResult(raw string) (Result, error) {
	res := Result{Raw: raw}

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		keyword := entry
		rest := ""
		if i := strings.IndexAny(entry, " \t"); i >= 0 {
			keyword = entry[:i]
			rest = strings.TrimSpace(entry[i+1:])
		}
		keyword = strings.ToUpper(keyword)

		if keyword == "DIRECT" {
			if len(res.Proxies) == 0 {
				res.Direct = true
			}
			return res, nil
		}

		protocol, ok := pacSchemes[keyword]
		if !ok {
			continue
		}
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil || host == "" {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		res.Proxies = append(res.Proxies, Endpoint{Protocol: protocol, Host: host, Port: port})
	}

	if len(res.Proxies) == 0 {
		return Result{Raw: raw}, fmt.Errorf("no usable entry in PAC result %q", raw)
	}
	return res, nil
}
