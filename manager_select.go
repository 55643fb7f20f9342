package heimdall

import (
	"github.com/rennerdo30/heimdall-proxy/internal/bypass"
	"github.com/rennerdo30/heimdall-proxy/internal/config"
)

// GetProxyForURL resolves the proxy to use for a target URL. A nil
// result means connect directly. Selection order: bypass rules, then
// the PAC script when one is loaded, then the rotation policy, then
// the first healthy configured server, then the first configured
// server. PAC evaluation failures degrade to direct and emit
// pacError; they never fail the caller's request.
func (m *Manager) GetProxyForURL(targetURL string) (*ProxySettings, error) {
	s, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	return settingsFor(m.selectServer(s, targetURL, "")), nil
}

// selectServer runs the selection pipeline against one epoch's
// subsystems. clientID feeds sticky rotation and may be empty.
func (m *Manager) selectServer(s *managerState, targetURL, clientID string) *config.ProxyServer {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bypass.ShouldBypass(targetURL) {
		m.logger.Debug("bypassing proxy", "target", targetURL)
		return nil
	}

	if s.pacEval != nil {
		return m.selectFromPac(s, targetURL)
	}

	if s.rotation != nil {
		return s.rotation.Next(clientID)
	}

	if s.health != nil {
		for i := range s.cfg.Servers {
			if s.health.IsHealthy(s.cfg.Servers[i].Key()) {
				return &s.cfg.Servers[i]
			}
		}
	}
	// All probes are failing or have not run; try the first server
	// anyway rather than failing the request outright.
	return s.cfg.DefaultServer()
}

// selectFromPac evaluates the PAC script for the URL. The first
// recognized entry is authoritative. When it matches a configured
// server the configured definition wins, carrying its credentials and
// TLS settings.
func (m *Manager) selectFromPac(s *managerState, targetURL string) *config.ProxyServer {
	host, _ := bypass.SplitTarget(targetURL)
	res, err := s.pacEval.FindProxyForURL(targetURL, host)
	if err != nil {
		m.logger.Warn("pac evaluation failed, going direct", "target", targetURL, "error", err)
		m.events.emit(Event{Kind: EventPacError, Target: targetURL, Err: err})
		return nil
	}
	if res.Direct || len(res.Proxies) == 0 {
		return nil
	}

	ep := res.Proxies[0]
	if known := s.cfg.FindServer(ep.Key()); known != nil && known.Protocol == ep.Protocol {
		return known
	}
	return &config.ProxyServer{Protocol: ep.Protocol, Host: ep.Host, Port: ep.Port}
}

// resolveProxy picks the server for one connection attempt. An
// explicit ConnOption server override wins over the pipeline.
func (m *Manager) resolveProxy(s *managerState, opts *connOptions, targetURL string) *config.ProxyServer {
	if opts.server != nil {
		return opts.server
	}
	return m.selectServer(s, targetURL, opts.clientID)
}
