// Package service installs heimdall as a system service and runs it
// under the platform's service supervisor: systemd on Linux, launchd
// on macOS, the service control manager on Windows.
package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// Config describes the service to install.
type Config struct {
	// Name is the service name. Defaults to "heimdall".
	Name string
	// Description is the human-readable service description.
	Description string
	// BinaryPath is the path to the heimdall executable.
	BinaryPath string
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// WorkingDir is the service working directory. Defaults to the
	// binary's directory.
	WorkingDir string
}

// Manager installs, removes, and inspects the heimdall service.
type Manager struct {
	config Config
}

// New builds a service manager, resolving relative paths against the
// current directory and filling in defaults.
func New(cfg Config) (*Manager, error) {
	if !filepath.IsAbs(cfg.BinaryPath) {
		abs, err := filepath.Abs(cfg.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("resolve binary path: %w", err)
		}
		cfg.BinaryPath = abs
	}

	if !filepath.IsAbs(cfg.ConfigPath) {
		abs, err := filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.ConfigPath = abs
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = "heimdall"
	}
	if cfg.Description == "" {
		cfg.Description = "Heimdall proxy connection manager"
	}

	return &Manager{config: cfg}, nil
}

// Install registers the service with the platform supervisor. The
// binary and the config file must already exist; installation does not
// start the service on Linux or Windows.
func (m *Manager) Install() error {
	if _, err := os.Stat(m.config.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.config.BinaryPath)
	}
	if _, err := os.Stat(m.config.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", m.config.ConfigPath)
	}

	switch runtime.GOOS {
	case "linux":
		return m.installSystemd()
	case "darwin":
		return m.installLaunchd()
	case "windows":
		return m.installWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall stops the service if needed and removes its registration.
func (m *Manager) Uninstall() error {
	switch runtime.GOOS {
	case "linux":
		return m.uninstallSystemd()
	case "darwin":
		return m.uninstallLaunchd()
	case "windows":
		return m.uninstallWindows()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status reports the installation and running state as a short
// human-readable string.
func (m *Manager) Status() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return m.statusSystemd()
	case "darwin":
		return m.statusLaunchd()
	case "windows":
		return m.statusWindows()
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Platform returns the current platform name.
func Platform() string {
	return runtime.GOOS
}

// --- Linux (systemd) ---

const systemdTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve -c {{.ConfigPath}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=always
RestartSec=5

StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

func (m *Manager) systemdPath() string {
	return filepath.Join("/etc/systemd/system", m.config.Name+".service")
}

func (m *Manager) installSystemd() error {
	tmpl, err := template.New("systemd").Parse(systemdTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, m.config); err != nil {
		return fmt.Errorf("execute template: %w", err)
	}

	unitPath := m.systemdPath()
	if err := os.WriteFile(unitPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write unit file: %w (try running with sudo)", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	if err := exec.Command("systemctl", "enable", m.config.Name).Run(); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("Start with: sudo systemctl start %s\n", m.config.Name)
	return nil
}

func (m *Manager) uninstallSystemd() error {
	// Stop and disable may fail when the service never ran.
	_ = exec.Command("systemctl", "stop", m.config.Name).Run()
	_ = exec.Command("systemctl", "disable", m.config.Name).Run()

	unitPath := m.systemdPath()
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	_ = exec.Command("systemctl", "daemon-reload").Run()

	fmt.Printf("Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusSystemd() (string, error) {
	// Check the unit file before shelling out so a missing install
	// never depends on systemctl being present.
	unitPath := m.systemdPath()
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return "not installed", nil
	}

	out, err := exec.Command("systemctl", "is-active", m.config.Name).Output()
	if err != nil {
		return "installed (inactive)", nil
	}
	return fmt.Sprintf("installed (%s)", strings.TrimSpace(string(out))), nil
}

// --- macOS (launchd) ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Name}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>serve</string>
        <string>-c</string>
        <string>{{.ConfigPath}}</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>

    <key>StandardOutPath</key>
    <string>/tmp/{{.Name}}.log</string>

    <key>StandardErrorPath</key>
    <string>/tmp/{{.Name}}.error.log</string>
</dict>
</plist>
`

// launchdPath prefers the system-wide LaunchDaemons directory and
// falls back to the user's LaunchAgents when it is not writable.
func (m *Manager) launchdPath() string {
	daemonPath := filepath.Join("/Library/LaunchDaemons", m.config.Name+".plist")
	if f, err := os.OpenFile(daemonPath, os.O_WRONLY|os.O_CREATE, 0644); err == nil {
		f.Close()
		os.Remove(daemonPath)
		return daemonPath
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", m.config.Name+".plist")
}

func (m *Manager) installLaunchd() error {
	tmpl, err := template.New("launchd").Parse(launchdTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, m.config); err != nil {
		return fmt.Errorf("execute template: %w", err)
	}

	plistPath := m.launchdPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(plistPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
		return fmt.Errorf("load service: %w", err)
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("Service is now running.\n")
	return nil
}

func (m *Manager) uninstallLaunchd() error {
	plistPath := m.launchdPath()

	// Unload may fail when the service is not loaded.
	_ = exec.Command("launchctl", "unload", plistPath).Run()

	if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}

	fmt.Printf("Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusLaunchd() (string, error) {
	plistPath := m.launchdPath()
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return "not installed", nil
	}

	out, err := exec.Command("launchctl", "list", m.config.Name).Output()
	if err != nil {
		return "installed (not running)", nil
	}
	if strings.Contains(string(out), m.config.Name) {
		return "installed (running)", nil
	}
	return "installed (not running)", nil
}

// --- Windows (service control manager) ---

func (m *Manager) installWindows() error {
	binPath := fmt.Sprintf(`"%s" serve -c "%s"`, m.config.BinaryPath, m.config.ConfigPath)

	cmd := exec.Command("sc", "create", m.config.Name,
		"binPath=", binPath,
		"DisplayName=", m.config.Description,
		"start=", "auto")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create service: %w\n%s", err, string(out))
	}

	_ = exec.Command("sc", "description", m.config.Name, m.config.Description).Run()

	fmt.Printf("Service installed: %s\n", m.config.Name)
	fmt.Printf("Start with: sc start %s\n", m.config.Name)
	return nil
}

func (m *Manager) uninstallWindows() error {
	// Stop may fail when the service is not running.
	_ = exec.Command("sc", "stop", m.config.Name).Run()

	cmd := exec.Command("sc", "delete", m.config.Name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("delete service: %w\n%s", err, string(out))
	}

	fmt.Printf("Service uninstalled: %s\n", m.config.Name)
	return nil
}

func (m *Manager) statusWindows() (string, error) {
	out, err := exec.Command("sc", "query", m.config.Name).Output()
	if err != nil {
		return "not installed", nil
	}

	output := string(out)
	switch {
	case strings.Contains(output, "RUNNING"):
		return "installed (running)", nil
	case strings.Contains(output, "STOPPED"):
		return "installed (stopped)", nil
	default:
		return "installed", nil
	}
}
