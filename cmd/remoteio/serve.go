package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenRemoteIO/internal/system"
)

func runServe(args []string) error {
	fs, g := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := g.logger()
	defer logger.Sync()

	// Config laden
	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger.Info("Config loaded successfully", zap.String("path", g.config))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lifecycle := system.NewLifecycleManager(cfg, logger)
	if err := lifecycle.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenRemoteIO stopped successfully")
	return nil
}
