package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/config"
	"github.com/Brownie44l1/freshness-api/internal/handlers"
	"github.com/Brownie44l1/freshness-api/internal/inference"
	"github.com/Brownie44l1/freshness-api/internal/logging"
	"github.com/Brownie44l1/freshness-api/internal/model"
)

func main() {
	// FRESHCHECK_CONFIG optionally names a config file; everything else
	// comes from defaults and FRESHCHECK_* variables.
	cfg, err := config.Load(config.New(), os.Getenv("FRESHCHECK_CONFIG"), nil)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateServing(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.Init(cfg.Log.File, cfg.Log.Debug)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	model.SetRuntimeLibrary(cfg.ONNX.LibraryPath)
	model.SetMaxPixels(cfg.Image.MaxPixels)
	load, err := inference.LoaderFor(cfg.Classifier.Kind, cfg.ClassifierModelPath(), cfg.Classifier.MetadataPath)
	if err != nil {
		logger.Fatal("invalid classifier", zap.Error(err))
	}
	engine := inference.NewEngine(load, inference.WithLogger(logger))

	// load eagerly so a missing model shows up in the startup log; requests
	// retry on their own if this fails
	if _, err := engine.Classifier(); err != nil {
		logger.Warn("classifier not ready, verdicts will be degraded until it loads", zap.Error(err))
	}

	logger.Info("classifier",
		zap.String("kind", cfg.Classifier.Kind),
		zap.String("model", cfg.ClassifierModelPath()))
	logger.Info("endpoints",
		zap.Strings("routes", []string{"GET /health", "POST /analyze"}))
	logger.Sugar().Infof("Upload test: curl -X POST -F \"image=@apple.jpg\" http://localhost:%d/analyze", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	if err := handlers.ListenAndServe(ctx, addr, handlers.NewMux(handlers.NewHandler(engine, logger)), logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		logging.Close()
		os.Exit(1)
	}
}
