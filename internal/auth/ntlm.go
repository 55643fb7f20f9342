package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/Azure/go-ntlmssp"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// ntlmProvider implements the NTLM scheme on top of go-ntlmssp. The
// first leg sends a Type 1 negotiate message; the proxy answers 407
// with a Type 2 challenge, which the second leg turns into a Type 3
// authenticate message. Both legs must travel over the same TCP
// connection.
type ntlmProvider struct {
	username     string
	password     string
	domain       string
	workstation  string
	domainNeeded bool
}

func newNTLM(a *config.Authentication) *ntlmProvider {
	user, domain, domainNeeded := ntlmssp.GetDomain(a.Username)
	if a.Domain != "" {
		domain = a.Domain
		domainNeeded = true
	}
	return &ntlmProvider{
		username:     user,
		password:     a.Password,
		domain:       domain,
		workstation:  a.Workstation,
		domainNeeded: domainNeeded,
	}
}

func (p *ntlmProvider) Scheme() string { return "NTLM" }

func (p *ntlmProvider) Authorize(_ *Request, challenge string) (string, error) {
	if challenge == "" {
		negotiate, err := ntlmssp.NewNegotiateMessage(p.domain, p.workstation)
		if err != nil {
			return "", fmt.Errorf("build NTLM negotiate message: %w", err)
		}
		return "NTLM " + base64.StdEncoding.EncodeToString(negotiate), nil
	}

	challengeMsg, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("decode NTLM challenge: %w", err)
	}
	authenticate, err := ntlmssp.ProcessChallenge(challengeMsg, p.username, p.password, p.domainNeeded)
	if err != nil {
		return "", fmt.Errorf("answer NTLM challenge: %w", err)
	}
	return "NTLM " + base64.StdEncoding.EncodeToString(authenticate), nil
}
