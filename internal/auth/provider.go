// Package auth builds Proxy-Authorization header values for the
// authentication schemes an upstream proxy may demand.
package auth

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// Request describes the request leg a header value is built for.
type Request struct {
	// Method is the HTTP method of the leg, CONNECT for tunnels.
	Method string
	// URI is the request target as it appears on the request line,
	// host:port for CONNECT.
	URI string
	// ProxyHost is the proxy's hostname, used by schemes that bind
	// tickets to a service principal.
	ProxyHost string
}

// Provider turns credentials, and for challenge-response schemes the
// proxy's challenge, into a Proxy-Authorization value.
//
// Authorize is called once per request leg. The challenge argument
// carries the parameters of the matching Proxy-Authenticate header
// from the preceding 407 response, without the scheme token, and is
// empty on the first leg. Returning an empty value with a nil error
// means the scheme has nothing to send yet and the caller should wait
// for a challenge.
type Provider interface {
	Scheme() string
	Authorize(req *Request, challenge string) (string, error)
}

// Constructor builds a Provider for a proxy server. Providers are
// shared across connection attempts to the same server and must be
// safe for concurrent use.
type Constructor func(a *config.Authentication) (Provider, error)

var (
	registryMu sync.RWMutex
	schemes    = make(map[string]Constructor)
)

func init() {
	Register(config.AuthBasic, func(a *config.Authentication) (Provider, error) {
		return newBasic(a), nil
	})
	Register(config.AuthDigest, func(a *config.Authentication) (Provider, error) {
		return newDigest(a), nil
	})
	Register(config.AuthNTLM, func(a *config.Authentication) (Provider, error) {
		return newNTLM(a), nil
	})
	Register(config.AuthNegotiate, newNegotiate)
}

// Register makes a scheme constructor available to New. Registering an
// already known scheme replaces it, which is how platform integrations
// substitute their own NTLM or Negotiate implementations.
func Register(scheme string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	scheme = strings.ToLower(scheme)
	if _, exists := schemes[scheme]; exists {
		slog.Debug("auth scheme re-registered", "scheme", scheme)
	}
	schemes[scheme] = fn
}

// New builds a Provider for the configured credentials. A nil
// authentication yields a nil provider and no error.
func New(a *config.Authentication) (Provider, error) {
	if a == nil {
		return nil, nil
	}

	registryMu.RLock()
	fn, ok := schemes[strings.ToLower(a.Scheme())]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported auth scheme: %s", a.Scheme())
	}
	return fn(a)
}

// Schemes returns the registered scheme names, sorted.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChallengeFor picks the challenge matching scheme out of a 407
// response's Proxy-Authenticate values and returns its parameters with
// the scheme token stripped. The second return reports whether any
// value matched.
func ChallengeFor(values []string, scheme string) (string, bool) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		token := v
		rest := ""
		if i := strings.IndexAny(v, " \t"); i >= 0 {
			token = v[:i]
			rest = strings.TrimSpace(v[i+1:])
		}
		if strings.EqualFold(token, scheme) {
			return rest, true
		}
	}
	return "", false
}
