package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/l8e-harbor/l8e-harbor/internal/config"
	"github.com/l8e-harbor/l8e-harbor/internal/logging"
	"github.com/l8e-harbor/l8e-harbor/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: search standard locations)")
	host := flag.String("host", "", "Listen host (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARNING, ERROR (overrides config)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("l8e-harbor %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	ov := config.Overrides{}
	if *host != "" {
		ov.Host = host
	}
	if *port != 0 {
		ov.Port = port
	}
	if *logLevel != "" {
		ov.LogLevel = logLevel
	}

	loader := config.NewLoader()
	cfg, err := loader.Resolve(*configPath, ov)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Rotation: logging.Rotation{
			MaxSizeMB:  cfg.LogRotation.MaxSizeMB,
			MaxBackups: cfg.LogRotation.MaxBackups,
			MaxAgeDays: cfg.LogRotation.MaxAgeDays,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting l8e-harbor",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("route_store", cfg.RouteStore),
		zap.String("auth_adapter", cfg.AuthAdapter),
		zap.String("address", cfg.Address()),
	)

	srv, err := server.New(cfg, version)
	if err != nil {
		logging.Error("Failed to assemble server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
