package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentcrew/internal/api"
	"agentcrew/internal/logging"
	"agentcrew/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	tasks := mcp.NewTaskServer(a.store, a.lifecycle, logger, mcp.Identity{}, version)
	server := api.NewServer(cfg.Server.Addr, api.Deps{
		Store:       a.store,
		Lifecycle:   a.lifecycle,
		Ledger:      a.ledger,
		Scheduler:   a.scheduler,
		Cipher:      a.cipher,
		MCP:         tasks.HTTPHandler(),
		Logger:      logger,
		Location:    cfg.Location(),
		AuthToken:   cfg.Server.AuthToken,
		AttachDelay: cfg.Engine.AttachDelay,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case runErr = <-serverErr:
		logger.Error("server error", "err", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopped := make(chan struct{})
	go func() {
		a.scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("scheduler stop timed out, in-flight runs are abandoned")
	}
	logger.Info("shutdown complete")
	return runErr
}
