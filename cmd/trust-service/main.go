// Package main implements the CRISP trust service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/api"
	"github.com/witlox/crisp/internal/config"
	"github.com/witlox/crisp/internal/logging"
	"github.com/witlox/crisp/pkg/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CRISP_CONFIG"))
	if err != nil {
		return err
	}
	if cfg.Version == "" || cfg.Version == "dev" {
		cfg.Version = version
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.Service,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting crisp trust service",
		zap.String("version", cfg.Version),
		zap.String("storage", cfg.Storage.Driver),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Service,
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	app, err := build(ctx, cfg, logger, tp.Tracer())
	if err != nil {
		return err
	}
	defer app.Close()

	routerCfg := api.DefaultRouterConfig()
	routerCfg.Logger = logger
	routerCfg.Limiter = app.limiter
	routerCfg.RateLimit = cfg.Server.RateLimit
	routerCfg.RateWindow = cfg.Server.RateWindow
	routerCfg.CORSOrigins = cfg.Server.CORSOrigins
	routerCfg.Health = app.health
	routerCfg.Version = cfg.Version
	routerCfg.Metrics = app.apiMetrics
	if cfg.Telemetry.Enabled {
		routerCfg.TracingService = cfg.Service
	}
	router := api.NewRouter(routerCfg, app.services)

	serverCfg := &api.ServerConfig{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	}
	if cfg.Server.TLSEnabled {
		serverCfg.TLSCertFile = cfg.Server.TLSCertFile
		serverCfg.TLSKeyFile = cfg.Server.TLSKeyFile
		serverCfg.PartnerCAFile = cfg.Server.PartnerCAFile
	}
	server, err := api.NewServer(router, serverCfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	app.health.Register("listener", server.Ready)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return errors.New("server stopped unexpectedly")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
