package upstream

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/rennerdo30/heimdall-proxy/internal/auth"
	"github.com/rennerdo30/heimdall-proxy/internal/config"
	"github.com/rennerdo30/heimdall-proxy/internal/proxyerror"
	"github.com/rennerdo30/heimdall-proxy/internal/version"
)

const (
	// maxAuthLegs bounds the 407 challenge-response exchange. NTLM
	// needs two legs; anything still unauthenticated after three is a
	// credential problem, not a protocol one.
	maxAuthLegs = 3

	// maxAuthBodyBytes bounds how much of a 407 response body is
	// drained to keep the connection reusable for the next leg.
	maxAuthBodyBytes = 64 << 10
)

// connectHandshake issues CONNECT target over an open proxy socket,
// running the Proxy-Authorization exchange when the server carries
// credentials. Challenge-response schemes reuse the same socket for
// every leg; NTLM binds its handshake to the TCP connection.
func (e *Establisher) connectHandshake(conn net.Conn, server *config.ProxyServer, target string) error {
	proxyKey := server.Key()

	provider, err := e.providerFor(server)
	if err != nil {
		return proxyerror.New(proxyerror.CodeAuth, "connect", proxyKey, target, err)
	}

	authReq := &auth.Request{Method: http.MethodConnect, URI: target, ProxyHost: server.Host}

	header := ""
	if provider != nil {
		// Preemptive leg for schemes that can start without a
		// challenge; Digest returns nothing and waits for the 407.
		header, err = provider.Authorize(authReq, "")
		if err != nil {
			return proxyerror.New(proxyerror.CodeAuth, "connect", proxyKey, target, err)
		}
	}

	br := bufio.NewReader(conn)
	for leg := 0; leg < maxAuthLegs; leg++ {
		resp, err := writeConnect(conn, br, target, header)
		if err != nil {
			return proxyerror.New(proxyerror.CodeHandshake, "connect", proxyKey, target, err)
		}

		if resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}

		if resp.StatusCode != http.StatusProxyAuthRequired || provider == nil {
			resp.Body.Close()
			return proxyerror.Newf(proxyerror.CodeHandshake, "connect", proxyKey, target,
				"proxy returned %s", resp.Status)
		}

		challenge, ok := auth.ChallengeFor(resp.Header.Values("Proxy-Authenticate"), provider.Scheme())
		if !ok {
			resp.Body.Close()
			return proxyerror.Newf(proxyerror.CodeAuth, "connect", proxyKey, target,
				"proxy does not accept %s authentication (%s)", provider.Scheme(), resp.Status)
		}

		if err := drainResponse(resp); err != nil {
			return proxyerror.New(proxyerror.CodeHandshake, "connect", proxyKey, target, err)
		}
		if resp.Close {
			return proxyerror.Newf(proxyerror.CodeAuth, "connect", proxyKey, target,
				"proxy closed the connection mid-authentication (%s)", resp.Status)
		}

		header, err = provider.Authorize(authReq, challenge)
		if err != nil {
			return proxyerror.New(proxyerror.CodeAuth, "connect", proxyKey, target, err)
		}
		if header == "" {
			return proxyerror.Newf(proxyerror.CodeAuth, "connect", proxyKey, target,
				"%s authentication produced no response to the proxy challenge", provider.Scheme())
		}
	}

	return proxyerror.Newf(proxyerror.CodeAuth, "connect", proxyKey, target,
		"proxy authentication failed after %d attempts (407 Proxy Authentication Required)", maxAuthLegs)
}

// writeConnect sends one CONNECT request leg and reads its response.
func writeConnect(conn net.Conn, br *bufio.Reader, target, authHeader string) (*http.Response, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Proxy-Connection", "Keep-Alive")
	if authHeader != "" {
		req.Header.Set("Proxy-Authorization", authHeader)
	}

	if err := req.Write(conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(br, req)
}

// drainResponse consumes a bounded amount of an intermediate response
// body so the next leg can reuse the connection.
func drainResponse(resp *http.Response) error {
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxAuthBodyBytes+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n > maxAuthBodyBytes {
		return errors.New("intermediate proxy response body too large")
	}
	return nil
}
