package auth

import (
	"encoding/base64"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// basicProvider implements the Basic scheme from RFC 7617. The header
// is sent preemptively; the challenge is ignored.
type basicProvider struct {
	username string
	password string
}

func newBasic(a *config.Authentication) *basicProvider {
	return &basicProvider{username: a.Username, password: a.Password}
}

func (p *basicProvider) Scheme() string { return "Basic" }

func (p *basicProvider) Authorize(_ *Request, _ string) (string, error) {
	creds := base64.StdEncoding.EncodeToString([]byte(p.username + ":" + p.password))
	return "Basic " + creds, nil
}
