// Package version exposes the build identity stamped into the binary.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info is the structured form served by the version endpoint.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo collects the build identity plus the runtime platform.
func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns the bare version number.
func Short() string {
	return Version
}

// Full returns the one-line human form printed by the version command.
func Full() string {
	i := GetInfo()
	return fmt.Sprintf("Heimdall %s (%s) built %s - Go %s %s",
		i.Version, i.GitCommit, i.BuildTime, i.GoVersion, i.Platform)
}

// UserAgent identifies the module in HTTP requests it makes on its own
// behalf (CONNECT handshakes, PAC downloads).
func UserAgent() string {
	return "Heimdall/" + Version
}
