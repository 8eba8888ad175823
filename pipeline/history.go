package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"modelops/config"
	"modelops/db"
	"modelops/handoff"
	"modelops/ml"
	"modelops/store"
)

// NewTrainingPipeline wires the four stages from configuration.
func NewTrainingPipeline(cfg config.PipelineConfig, logger *zap.Logger) *Pipeline {
	return New(
		&LoadStage{Candidates: cfg.DatasetCandidates, Encoding: cfg.DatasetEncoding},
		&TrainStage{
			TestRatio: cfg.TestRatio,
			Seed:      cfg.Seed,
			Trainer: ml.NewRandomForest(ml.ForestOptions{
				NEstimators:  cfg.NEstimators,
				MaxDepth:     cfg.MaxDepth,
				Seed:         cfg.Seed,
				FeatureNames: ml.DefaultSchema.Features,
			}),
		},
		&SaveStage{Slot: store.NewSlot(cfg.ModelDir)},
		&ReportStage{},
	).WithLogger(logger)
}

// SQLiteChannels returns a factory that scopes the durable handoff table by run ID.
func SQLiteChannels(database *db.DB) ChannelFactory {
	return func(runID string) (handoff.Channel, error) {
		return handoff.NewSQLiteChannel(database, runID), nil
	}
}

// RecordHistory appends the run outcome to the training log. Errors are logged only.
func RecordHistory(ctx context.Context, database *db.DB, result *RunResult, logger *zap.Logger) {
	if database == nil || result == nil {
		return
	}
	entry := db.TrainingLog{
		RunID:     result.RunID,
		Status:    string(StageFailed),
		ModelName: ml.ModelTypeRandomForest,
		TrainedAt: time.Now().UTC(),
	}
	if result.Succeeded {
		entry.Status = string(StageSucceeded)
	}
	if c := result.Completion; c != nil {
		if c.Metrics != nil {
			entry.TrainAccuracy = c.Metrics.TrainAccuracy
			entry.TestAccuracy = c.Metrics.TestAccuracy
			entry.TrainingSamples = c.Metrics.TrainingSamples
			entry.TestSamples = c.Metrics.TestSamples
		}
		if c.Save != nil {
			entry.ArtifactSHA256 = c.Save.SHA256
			entry.ArtifactBytes = c.Save.SizeBytes
		}
	}
	if err := database.RecordTraining(ctx, entry); err != nil {
		logger.Warn("record training history", zap.String("run_id", result.RunID), zap.Error(err))
	}
}
