package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"pixelsorter/internal/cli"
	"pixelsorter/internal/config"
	"pixelsorter/internal/logging"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job history disabled", "database", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	ctx := context.Background()
	pipe := pipeline.New(ctx, cfg, logger, store)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
