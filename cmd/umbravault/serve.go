package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/umbravault/internal/gateway/httpapi"
	"github.com/jkaninda/umbravault/internal/ratelimit"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. Scan requests need an HS256 bearer token signed with
api.secret_token (or UMBRAVAULT_SECRET_TOKEN).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override listen address (e.g. 127.0.0.1:8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(true)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.ListenAddr = serveAddr
	}
	if err := cfg.ValidateSecret(); err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		BurstSize:         cfg.API.Burst,
	})

	httpCfg := httpapi.Config{
		ListenAddr:  cfg.API.Addr(),
		EnableDocs:  cfg.API.EnableDocs,
		SecretToken: cfg.API.SecretToken,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, sc.Pipeline, limiter, logger)
	if sc.Store != nil {
		gw.WithReports(sc.Store.Reports())
	}

	logger.Info("starting http api",
		slog.String("addr", httpCfg.ListenAddr),
		slog.Any("strategies", sc.Executor.Strategies()),
		slog.Int("tools", sc.Catalog.Len()),
	)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	return nil
}
