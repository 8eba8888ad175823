package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"modelops/config"
	"modelops/db"
	"modelops/logging"
	"modelops/pipeline"
)

type args struct {
	Config    string   `arg:"-c,--config" help:"path to config.yaml"`
	Dataset   []string `arg:"-d,--dataset,separate" help:"dataset path probed before the configured candidates"`
	ModelDir  string   `arg:"--model-dir" help:"override pipeline.model_dir"`
	Handoff   string   `arg:"--handoff" help:"handoff channel: memory or sqlite"`
	HistoryDB string   `arg:"--history-db" help:"override pipeline.history_db"`
	Watch     bool     `arg:"-w,--watch" help:"rerun the pipeline whenever the dataset changes"`
}

func (args) Description() string {
	return "train_model runs load_data, train_model, save_model and log_results once, or on every dataset change with --watch."
}

func main() {
	a := args{Config: "config.yaml"}
	arg.MustParse(&a)

	configPath := config.Resolve(a.Config)
	cfg, found, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	pc := cfg.Pipeline
	if len(a.Dataset) > 0 {
		pc.DatasetCandidates = append(append([]string(nil), a.Dataset...), pc.DatasetCandidates...)
	}
	if a.ModelDir != "" {
		pc.ModelDir = a.ModelDir
	}
	if a.Handoff != "" {
		pc.Handoff = a.Handoff
	}
	if a.HistoryDB != "" {
		pc.HistoryDB = a.HistoryDB
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, pc, a.Watch, logger); err != nil {
		logger.Error("train_model failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, pc config.PipelineConfig, watch bool, logger *zap.Logger) error {
	var database *db.DB
	dbPath := pc.HistoryDB
	if dbPath == "" && pc.Handoff == config.HandoffSQLite {
		dbPath = filepath.Join(pc.ModelDir, "pipeline.db")
	}
	if dbPath != "" {
		var err error
		database, err = db.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database %s: %w", dbPath, err)
		}
		defer database.Close()
		logger.Info("database opened", zap.String("path", dbPath))
	}

	p := pipeline.NewTrainingPipeline(pc, logger)
	switch pc.Handoff {
	case "", config.HandoffMemory:
	case config.HandoffSQLite:
		p = p.WithChannel(pipeline.SQLiteChannels(database))
	default:
		return fmt.Errorf("unknown handoff %q", pc.Handoff)
	}

	once := func(ctx context.Context) error {
		result, err := p.Run(ctx)
		if pc.HistoryDB != "" {
			pipeline.RecordHistory(context.WithoutCancel(ctx), database, result, logger)
		}
		return err
	}

	if !watch {
		return once(ctx)
	}

	if err := once(ctx); err != nil {
		logger.Warn("initial run failed, waiting for dataset changes", zap.Error(err))
	}
	return pipeline.Watch(ctx, pc.DatasetCandidates, pc.WatchDebounce, logger, func(ctx context.Context) {
		if err := once(ctx); err != nil {
			logger.Warn("pipeline run failed", zap.Error(err))
		}
	})
}
