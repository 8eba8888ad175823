package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"modelops/config"
	mhttp "modelops/http"
	"modelops/logging"
	"modelops/monitoring"
	"modelops/serving"
)

func main() {
	args := struct {
		Config  string `arg:"-c,--config" help:"path to config.yaml"`
		Port    int    `arg:"-p,--port" help:"override http.port"`
		Model   string `arg:"-m,--model" help:"artifact path probed before the configured candidates"`
		Version string `arg:"--model-version" help:"override serving.model_version"`
	}{
		Config: "config.yaml",
	}
	arg.MustParse(&args)

	configPath := config.Resolve(args.Config)
	cfg, found, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	if args.Port != 0 {
		cfg.Http.Port = args.Port
	}
	if args.Model != "" {
		cfg.Serving.ModelCandidates = append([]string{args.Model}, cfg.Serving.ModelCandidates...)
	}
	if args.Version != "" {
		cfg.Serving.ModelVersion = args.Version
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if !found {
		logger.Info("config file not found, using defaults", zap.String("path", configPath))
	}

	logger.Info("starting API server")
	modelServer := serving.NewModelServer(serving.Options{
		Candidates: cfg.Serving.ModelCandidates,
		Version:    cfg.Serving.ModelVersion,
		CacheSize:  cfg.Serving.PredictionCacheSize,
		Logger:     logger,
	})
	// a failed load still serves health so orchestration can see why
	if state := modelServer.Start(); state != serving.Loaded {
		logger.Warn("serving without a model", zap.Stringer("state", state))
	}

	server := mhttp.NewServer(cfg.Http, modelServer, monitoring.NewMetricsCollector(0), cfg.Serving.ModelVersion, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("exiting")
}
