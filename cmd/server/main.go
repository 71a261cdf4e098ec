// Safegate - Safety gateway for assistant actions and inbound messages
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/safegate/internal/config"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/server"
	"github.com/mbd888/safegate/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create logger
	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting safegate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"token_policy", string(cfg.TokenPolicy()),
		"quiet_hours", cfg.QuietHoursStart+"-"+cfg.QuietHoursEnd,
		"failsafe_threshold", cfg.FailsafeThreshold,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTelEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(sctx); err != nil {
			logger.Error("trace shutdown error", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
