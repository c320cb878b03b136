// TrustGate - trust scoring and verification tiers for marketplace accounts
package main

import (
	"context"
	"os"

	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one is available
	logger := logging.New("info", "text")

	logger.Info("starting trustgate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"scoring_mode", cfg.ScoringMode,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"kafka", cfg.KafkaBrokers != "",
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
