package auth

import (
	"crypto/md5"  //nolint:gosec // G501: required by the Digest scheme
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// digestProvider implements the Digest scheme from RFC 7616 with the
// MD5 and SHA-256 algorithm families and qop=auth. Nothing is sent
// until the proxy has supplied a challenge.
type digestProvider struct {
	username string
	password string

	mu        sync.Mutex
	lastNonce string
	nc        uint32
}

func newDigest(a *config.Authentication) *digestProvider {
	return &digestProvider{username: a.Username, password: a.Password}
}

func (p *digestProvider) Scheme() string { return "Digest" }

func (p *digestProvider) Authorize(req *Request, challenge string) (string, error) {
	if challenge == "" {
		// First leg. Digest cannot answer before a challenge arrives.
		return "", nil
	}

	params := parseChallenge(challenge)
	realm := params["realm"]
	nonce := params["nonce"]
	if nonce == "" {
		return "", fmt.Errorf("digest challenge has no nonce")
	}

	algorithm := params["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}
	newHash, ok := digestHash(algorithm)
	if !ok {
		return "", fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}

	qop, err := pickQop(params["qop"])
	if err != nil {
		return "", err
	}

	cnonce, err := generateCnonce()
	if err != nil {
		return "", err
	}
	nc := p.nextNonceCount(nonce)

	h := func(data string) string {
		d := newHash()
		d.Write([]byte(data))
		return hex.EncodeToString(d.Sum(nil))
	}

	ha1 := h(p.username + ":" + realm + ":" + p.password)
	if strings.HasSuffix(strings.ToUpper(algorithm), "-SESS") {
		ha1 = h(ha1 + ":" + nonce + ":" + cnonce)
	}
	ha2 := h(req.Method + ":" + req.URI)

	var response string
	if qop == "" {
		// Pre-qop compatibility form from RFC 2069.
		response = h(ha1 + ":" + nonce + ":" + ha2)
	} else {
		response = h(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		p.username, realm, nonce, req.URI, response)
	fmt.Fprintf(&b, `, algorithm=%s`, algorithm)
	if qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce=%q`, qop, nc, cnonce)
	}
	if opaque := params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, opaque)
	}
	return b.String(), nil
}

// nextNonceCount returns the zero-padded nc value for nonce, starting
// over whenever the proxy issues a new nonce.
func (p *digestProvider) nextNonceCount(nonce string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if nonce != p.lastNonce {
		p.lastNonce = nonce
		p.nc = 0
	}
	p.nc++
	return fmt.Sprintf("%08x", p.nc)
}

func digestHash(algorithm string) (func() hash.Hash, bool) {
	switch strings.TrimSuffix(strings.ToUpper(algorithm), "-SESS") {
	case "MD5":
		return md5.New, true //nolint:gosec // G401: required by the Digest scheme
	case "SHA-256":
		return sha256.New, true
	default:
		return nil, false
	}
}

// pickQop selects qop=auth when offered. auth-int requires hashing the
// request body and is not meaningful for CONNECT, so a challenge
// offering only auth-int is rejected.
func pickQop(offered string) (string, error) {
	if offered == "" {
		return "", nil
	}
	for _, q := range strings.Split(offered, ",") {
		if strings.TrimSpace(q) == "auth" {
			return "auth", nil
		}
	}
	return "", fmt.Errorf("no supported qop in challenge: %s", offered)
}

// generateCnonce is swappable for tests.
var generateCnonce = newCnonce

func newCnonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate cnonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// parseChallenge splits a comma-separated auth-param list into a map
// with lowercased keys and unquoted values.
func parseChallenge(challenge string) map[string]string {
	params := make(map[string]string)
	for _, part := range splitParams(challenge) {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = unquoteParam(v[1 : len(v)-1])
		}
		params[k] = v
	}
	return params
}

// splitParams splits on commas that are outside quoted strings.
func splitParams(s string) []string {
	var (
		parts   []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			if !inQuote || i == 0 || s[i-1] != '\\' {
				inQuote = !inQuote
			}
		case ',':
			if !inQuote {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					parts = append(parts, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}

func unquoteParam(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
