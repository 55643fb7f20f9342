package pac

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver answers the DNS questions a PAC script can ask. It is an
// interface so tests can run scripts without touching the network.
type Resolver interface {
	// LookupHost resolves host to an IPv4 address. Literal IPs come
	// back as-is.
	LookupHost(host string) (net.IP, error)
	// MyIPAddress returns the address of the primary local interface.
	MyIPAddress() string
}

const dnsTimeout = 3 * time.Second

// dnsResolver resolves against the system nameservers.
type dnsResolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver builds a Resolver backed by the nameservers from
// /etc/resolv.conf, falling back to well-known public resolvers when
// that file is unavailable.
func NewResolver() Resolver {
	return &dnsResolver{
		client:  &dns.Client{Timeout: dnsTimeout},
		servers: systemNameservers(),
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func (r *dnsResolver) LookupHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				return a.A, nil
			}
		}
		lastErr = fmt.Errorf("no A record for %s", host)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}

// MyIPAddress routes a UDP socket at a public address to learn the
// local interface address. No packet is sent.
func (r *dnsResolver) MyIPAddress() string {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
