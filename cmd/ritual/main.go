package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ritual-archive/ritual/internal/archive"
	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/internal/loop"
	"github.com/ritual-archive/ritual/internal/metrics"
	"github.com/ritual-archive/ritual/internal/state"
	"github.com/ritual-archive/ritual/internal/storage"
	"github.com/ritual-archive/ritual/shared/config"
	"github.com/ritual-archive/ritual/shared/logger"
)

func main() {
	var configFolder string
	flag.StringVar(&configFolder, "config_folder", "config", "path to folder with configs")
	flag.Parse()

	cfg := config.MustLoad(configFolder)
	logger.Initialize(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Connect(&cfg.Storage)
	if err != nil {
		logger.Log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	boards := cfg.BoardNames()
	if err := db.InstallBoards(ctx, boards); err != nil {
		logger.Log.Error("failed to install board tables", "error", err)
		os.Exit(1)
	}

	st := state.New(cfg.Cache.Dir)
	f := fetcher.New(st, cfg.Pacing.RequestCooldownSec, cfg.Pacing.AddRandom, cfg.Cache.IgnoreHTTPCache)

	archiveSupport := archive.ProbeSupport(ctx, f, cfg.URLBoards())

	metrics.Serve(cfg.Metrics.Addr)

	logger.Log.Info("archiver started", "boards", boards)
	if err := loop.New(cfg, db, st, f, archiveSupport).Run(ctx); err != nil {
		logger.Log.Error("archiver stopped", "error", err)
		os.Exit(1)
	}
}
