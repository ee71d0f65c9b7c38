package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolrun/internal/config"
	mcpserver "github.com/jkaninda/toolrun/internal/tools/mcp"
)

var (
	mcpConfigPath string
	mcpRefresh    time.Duration
	mcpVerbose    bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve enabled tools over MCP on stdin/stdout",
	Long: `Serve the enabled tools of the catalog as MCP tools over stdio.

Every enabled tool is exposed under its tool_name. The catalog is reloaded
every --refresh interval so tools created through the HTTP API show up
without a restart. Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().DurationVar(&mcpRefresh, "refresh", 30*time.Second, "catalog reload interval (0 disables)")
	mcpCmd.Flags().BoolVarP(&mcpVerbose, "verbose", "v", false, "enable debug logging")
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger(true, mcpVerbose)

	cfg, err := loadConfig(mcpConfigPath)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.NewServer(sc.Tools, "toolrun", version, logger)
	if _, err := srv.Refresh(ctx); err != nil {
		return err
	}
	if mcpRefresh > 0 {
		go refreshLoop(ctx, srv, mcpRefresh, logger)
	}

	logger.Info("mcp server listening on stdio")
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}

func refreshLoop(ctx context.Context, srv *mcpserver.Server, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := srv.Refresh(ctx); err != nil {
				logger.Warn("mcp catalog refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
