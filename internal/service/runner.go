package service

import (
	"context"
	"time"
)

// ShutdownTimeout bounds graceful shutdown after a stop request.
const ShutdownTimeout = 30 * time.Second

// Runner is the long-running process the service supervisor drives.
// Start must return once the service is up; the context is canceled
// when shutdown begins.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Reloader is implemented by runners that can reload configuration
// without restarting.
type Reloader interface {
	ReloadConfig() error
}

// Run drives the runner until shutdown. On Windows it detects whether
// the process runs under the service control manager and speaks its
// protocol; everywhere else (and interactively on Windows) it handles
// signals: SIGINT/SIGTERM stop the runner, SIGHUP reloads when the
// runner supports it.
func Run(name string, runner Runner) error {
	return run(name, runner)
}
