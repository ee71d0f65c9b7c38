package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolrun/internal/config"
	"github.com/jkaninda/toolrun/internal/gateway"
	"github.com/jkaninda/toolrun/internal/gateway/httpapi"
	"github.com/jkaninda/toolrun/internal/ratelimit"
	"github.com/jkaninda/toolrun/internal/scheduler"
)

var (
	serveConfigPath string
	servePort       string
	serveVerbose    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `toolrun --config path` and `toolrun serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "enable debug logging")
	}
}

// runServe starts the HTTP API and the retention janitor.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(true, serveVerbose)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.HTTP.ListenAddr = servePort
	}
	if len(cfg.HTTP.APIKeyUserMapping) == 0 {
		return fmt.Errorf("http.api_key_user_mapping is empty: no client could authenticate")
	}

	logger.Info("starting toolrun", slog.String("version", version), slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Retention janitor (optional).
	if r := cfg.Retention; r != nil && r.Enabled {
		var janitorMetrics *scheduler.Metrics
		if sc.Obs.Metrics != nil {
			janitorMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
		}
		janitor := scheduler.New(
			sc.Store.Invocations(),
			sc.Uploads,
			sc.Workspace,
			scheduler.Config{
				Schedule:           r.CronSchedule(),
				MaxAge:             r.MaxAge(),
				PruneOrphanUploads: r.PruneOrphanUploads,
			},
			janitorMetrics,
			logger,
		)
		stopJanitor, err := janitor.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting retention janitor: %w", err)
		}
		defer stopJanitor()

		logger.Debug("retention janitor initialized",
			slog.String("schedule", r.CronSchedule()),
			slog.Time("next_run", janitor.NextRun()),
		)
	}

	gw := buildHTTPGateway(cfg, sc)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	return nil
}

// buildHTTPGateway creates the HTTP API gateway from config.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) gateway.Gateway {
	rl := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.HTTP.RateLimit.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeyUserMapping,
		MaxRequestSize: cfg.HTTP.MaxBodyBytes(),
		UploadsDir:     sc.Workspace.UploadsDir(),
		HealthChecker:  sc.Obs.Health,
	}
	if m := sc.Obs.Metrics; m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		if mc := cfg.Observability.Metrics; mc != nil {
			gwCfg.MetricsPath = mc.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", gwCfg.ListenAddr),
		slog.Int("api_keys", len(gwCfg.APIKeys)),
	)
	return httpapi.NewGateway(gwCfg, sc.Tools, rl, sc.Logger)
}
