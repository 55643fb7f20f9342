package heimdall

// ProxySettings is a proxy endpoint shaped for consumption by a
// browser-automation layer. A nil *ProxySettings means direct
// connection.
type ProxySettings struct {
	Server   string   `json:"server"` // protocol://host:port
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Bypass   []string `json:"bypass,omitempty"` // set by BrowserProxy and ContextProxy only
}

// settingsFor shapes one server definition into browser settings.
// Credentials travel separately from the server URL.
func settingsFor(s *Server) *ProxySettings {
	if s == nil {
		return nil
	}
	ps := &ProxySettings{Server: s.URL()}
	if s.Auth != nil {
		ps.Username = s.Auth.Username
		ps.Password = s.Auth.Password
	}
	return ps
}

// BrowserProxy returns the default server plus the compiled bypass
// list, or nil when no server is configured. The bypass list includes
// the built-in local and private-range rules.
func (m *Manager) BrowserProxy() *ProxySettings {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.running || !m.cfg.Enabled {
		return nil
	}
	ps := settingsFor(m.cfg.DefaultServer())
	if ps == nil {
		return nil
	}
	ps.Bypass = m.bypass.Rules()
	return ps
}

// ContextProxy returns per-browser-context proxy settings. The shape
// matches BrowserProxy; contexts currently share the default server.
func (m *Manager) ContextProxy() *ProxySettings {
	return m.BrowserProxy()
}
