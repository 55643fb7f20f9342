//go:build !windows

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rennerdo30/heimdall-proxy/internal/logging"
)

func run(name string, runner Runner) error {
	log := logging.WithComponent("service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	log.Info("service started", "name", name)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			reloader, ok := runner.(Reloader)
			if !ok {
				log.Info("reload requested but not supported")
				continue
			}
			log.Info("reloading configuration")
			if err := reloader.ReloadConfig(); err != nil {
				log.Error("configuration reload failed", "error", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Info("shutting down", "signal", sig.String())
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer stopCancel()
			return runner.Stop(stopCtx)
		}
	}
	return nil
}
