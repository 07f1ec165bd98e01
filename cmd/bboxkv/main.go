package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/bboxkv/internal/config"
	"github.com/devrev/bboxkv/internal/node"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("host", cfg.Node.Host),
		zap.Int("port", cfg.Node.Port),
		zap.Strings("directories", cfg.Storage.Directories),
		zap.String("coordinator", cfg.Coordinator.Type))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}
	if err := n.Run(ctx); err != nil {
		logger.Error("Node exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// initLogger builds a production logger for json output and a development
// logger for console output.
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
