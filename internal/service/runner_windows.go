//go:build windows

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/windows/svc"

	"github.com/rennerdo30/heimdall-proxy/internal/logging"
)

func run(name string, runner Runner) error {
	log := logging.WithComponent("service")

	isService, err := svc.IsWindowsService()
	if err != nil {
		log.Warn("cannot detect service control manager, running interactive", "error", err)
		return runInteractive(runner, log)
	}
	if isService {
		return svc.Run(name, &scmHandler{runner: runner, log: log})
	}
	return runInteractive(runner, log)
}

func runInteractive(runner Runner, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	log.Info("service started")

	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopCancel()
	return runner.Stop(stopCtx)
}

// scmHandler speaks the service control manager state machine on
// behalf of the runner.
type scmHandler struct {
	runner Runner
	log    *slog.Logger
}

func (h *scmHandler) Execute(args []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	status <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.runner.Start(ctx); err != nil {
		h.log.Error("service start failed", "error", err)
		return true, 1
	}
	status <- svc.Status{State: svc.Running, Accepts: accepted}

	for req := range requests {
		switch req.Cmd {
		case svc.Interrogate:
			status <- req.CurrentStatus
		case svc.Stop, svc.Shutdown:
			status <- svc.Status{State: svc.StopPending}
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			err := h.runner.Stop(stopCtx)
			stopCancel()
			if err != nil {
				h.log.Error("service stop failed", "error", err)
			}
			return false, 0
		default:
			h.log.Warn("unexpected service control request", "cmd", req.Cmd)
		}
	}
	return false, 0
}
