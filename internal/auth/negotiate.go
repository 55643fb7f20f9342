package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// negotiateProvider implements the Negotiate scheme with a Kerberos
// ticket wrapped in SPNEGO. The service principal is HTTP/<proxy host>.
// The KDC login happens lazily on the first leg so that constructing a
// provider never touches the network.
type negotiateProvider struct {
	username string
	realm    string

	mu sync.Mutex
	cl *client.Client
}

func newNegotiate(a *config.Authentication) (Provider, error) {
	username := a.Username
	realm := a.Realm
	if i := strings.Index(username, "@"); i >= 0 {
		if realm == "" {
			realm = username[i+1:]
		}
		username = username[:i]
	}
	realm = strings.ToUpper(realm)

	krbConf, err := loadKrb5Conf(a, realm)
	if err != nil {
		return nil, err
	}
	if realm == "" {
		realm = krbConf.LibDefaults.DefaultRealm
	}

	cl := client.NewWithPassword(username, realm, a.Password, krbConf,
		client.DisablePAFXFAST(true))

	return &negotiateProvider{username: username, realm: realm, cl: cl}, nil
}

func (p *negotiateProvider) Scheme() string { return "Negotiate" }

func (p *negotiateProvider) Authorize(req *Request, _ string) (string, error) {
	if req == nil || req.ProxyHost == "" {
		return "", fmt.Errorf("negotiate auth requires the proxy hostname")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.cl.Login(); err != nil {
		return "", fmt.Errorf("kerberos login for %s@%s: %w", p.username, p.realm, err)
	}

	spn := "HTTP/" + req.ProxyHost
	sc := spnego.SPNEGOClient(p.cl, spn)
	if err := sc.AcquireCred(); err != nil {
		return "", fmt.Errorf("acquire credentials for %s: %w", spn, err)
	}
	token, err := sc.InitSecContext()
	if err != nil {
		return "", fmt.Errorf("initialize security context for %s: %w", spn, err)
	}
	raw, err := token.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal SPNEGO token: %w", err)
	}
	return "Negotiate " + base64.StdEncoding.EncodeToString(raw), nil
}

// loadKrb5Conf loads the configured krb5.conf or synthesizes a minimal
// one from the realm and KDC list.
func loadKrb5Conf(a *config.Authentication, realm string) (*krb5config.Config, error) {
	if a.Krb5Conf != "" {
		conf, err := krb5config.Load(a.Krb5Conf)
		if err != nil {
			return nil, fmt.Errorf("load krb5 config %s: %w", a.Krb5Conf, err)
		}
		return conf, nil
	}

	if realm == "" {
		return nil, fmt.Errorf("negotiate auth requires a realm or a krb5_conf path")
	}

	var b strings.Builder
	b.WriteString("[libdefaults]\n")
	fmt.Fprintf(&b, "default_realm = %s\n", realm)
	b.WriteString("rdns = false\n")
	if len(a.KDC) == 0 {
		b.WriteString("dns_lookup_kdc = true\n")
	} else {
		b.WriteString("[realms]\n")
		fmt.Fprintf(&b, "%s = {\n", realm)
		for _, kdc := range a.KDC {
			fmt.Fprintf(&b, "  kdc = %s\n", kdc)
		}
		b.WriteString("}\n")
	}

	conf, err := krb5config.NewFromString(b.String())
	if err != nil {
		return nil, fmt.Errorf("build krb5 config for realm %s: %w", realm, err)
	}
	return conf, nil
}
