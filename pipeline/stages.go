package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"modelops/errs"
	"modelops/ml"
	"modelops/store"
)

// Stage IDs, in run order.
const (
	StageLoadData   = "load_data"
	StageTrainModel = "train_model"
	StageSaveModel  = "save_model"
	StageReport     = "log_results"
)

// Handoff keys published by the stages.
const (
	KeyDataset    = "dataset"
	KeyModel      = "model"
	KeyMetrics    = "metrics"
	KeyCompletion = "completion"
)

const statusSuccess = "success"

// LoadResult is what load_data reports.
type LoadResult struct {
	Status       string   `json:"status"`
	Path         string   `json:"path"`
	Rows         int      `json:"rows"`
	Columns      int      `json:"columns"`
	Features     []string `json:"features"`
	Classes      []string `json:"classes"`
	MissingCells int      `json:"missing_cells"`
}

// LoadStage finds the dataset, parses and validates it, and publishes it.
type LoadStage struct {
	Candidates []string
	Encoding   string
	Validator  *DatasetValidator
}

func (s *LoadStage) ID() string { return StageLoadData }

func (s *LoadStage) Run(ctx context.Context, run *Run) (interface{}, error) {
	const op = "pipeline.load_data"
	logger := run.Logger()

	path, ok := store.Locate(s.Candidates)
	if !ok {
		logger.Error("dataset not found in any expected location", zap.Strings("candidates", s.Candidates))
		return nil, errs.Errorf(errs.NotFound, op, "dataset not found in %d candidate locations", len(s.Candidates))
	}
	logger.Info("found dataset", zap.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.E(errs.NotFound, op, err)
	}
	defer f.Close()

	ds, err := ml.ReadCSV(f, s.Encoding)
	if err != nil {
		return nil, errs.Wrapf(err, "read %s", path)
	}

	validator := s.Validator
	if validator == nil {
		validator = NewDatasetValidator()
	}
	report, err := validator.Validate(ds)
	logger.Info("dataset loaded",
		zap.Int("rows", report.Rows),
		zap.Int("columns", len(ds.FeatureNames)+1),
		zap.Strings("features", ds.FeatureNames),
		zap.Int("missing_values", report.MissingCells),
		zap.Any("class_counts", report.ClassCounts))
	if err != nil {
		return nil, err
	}

	if err := run.PutJSON(ctx, KeyDataset, ds); err != nil {
		return nil, err
	}
	return LoadResult{
		Status:       statusSuccess,
		Path:         path,
		Rows:         report.Rows,
		Columns:      len(ds.FeatureNames) + 1,
		Features:     ds.FeatureNames,
		Classes:      report.Classes,
		MissingCells: report.MissingCells,
	}, nil
}

// TrainResult is what train_model reports.
type TrainResult struct {
	Status        string  `json:"status"`
	TrainAccuracy float64 `json:"train_accuracy"`
	TestAccuracy  float64 `json:"test_accuracy"`
}

// TrainStage splits the dataset, fits the trainer and publishes the encoded model and its
// metrics.
type TrainStage struct {
	TestRatio float64
	Seed      int64
	// Trainer defaults to a 100-tree random forest seeded with Seed.
	Trainer ml.Trainer
}

func (s *TrainStage) ID() string { return StageTrainModel }

func (s *TrainStage) Run(ctx context.Context, run *Run) (interface{}, error) {
	logger := run.Logger()

	var ds ml.Dataset
	if err := run.GetJSON(ctx, StageLoadData, KeyDataset, &ds); err != nil {
		return nil, err
	}
	logger.Info("received dataset", zap.Int("rows", ds.Len()), zap.Strings("features", ds.FeatureNames))

	train, test, err := ml.StratifiedSplit(&ds, s.TestRatio, s.Seed)
	if err != nil {
		return nil, err
	}
	logger.Info("split dataset", zap.Int("train_size", train.Len()), zap.Int("test_size", test.Len()))

	trainer := s.Trainer
	if trainer == nil {
		trainer = ml.NewRandomForest(ml.ForestOptions{Seed: s.Seed, FeatureNames: ds.FeatureNames})
	}
	trainX, trainY := train.Matrix()
	testX, testY := test.Matrix()

	started := time.Now()
	model, err := trainer.Fit(trainX, trainY)
	if err != nil {
		return nil, err
	}
	logger.Info("model fitted", zap.Duration("elapsed", time.Since(started)))

	trainAcc, err := ml.Accuracy(model, trainX, trainY)
	if err != nil {
		return nil, err
	}
	testAcc, err := ml.Accuracy(model, testX, testY)
	if err != nil {
		return nil, err
	}
	logger.Info("model performance", zap.Float64("train_accuracy", trainAcc), zap.Float64("test_accuracy", testAcc))

	metrics := &ml.Metrics{
		TrainAccuracy:   trainAcc,
		TestAccuracy:    testAcc,
		TrainingSamples: train.Len(),
		TestSamples:     test.Len(),
		FeaturesUsed:    ds.FeatureNames,
		Classes:         ds.Classes(),
	}
	if reporter, ok := model.(ml.ImportanceReporter); ok {
		metrics.FeatureImportance = ml.ImportanceMap(ds.FeatureNames, reporter.FeatureImportances())
		for _, score := range ml.RankImportance(metrics.FeatureImportance) {
			logger.Info("feature importance", zap.String("feature", score.Feature), zap.Float64("importance", score.Importance))
		}
	}

	payload, err := ml.EncodeModel(model)
	if err != nil {
		return nil, err
	}
	if err := run.Put(ctx, KeyModel, payload); err != nil {
		return nil, err
	}
	if err := run.PutJSON(ctx, KeyMetrics, metrics); err != nil {
		return nil, err
	}
	return TrainResult{Status: statusSuccess, TrainAccuracy: trainAcc, TestAccuracy: testAcc}, nil
}

// SaveResult is what save_model reports.
type SaveResult struct {
	Status      string `json:"status"`
	ModelPath   string `json:"model_path"`
	MetricsPath string `json:"metrics_path"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
}

// SaveStage writes the trained model and metrics into the artifact slot.
type SaveStage struct {
	Slot *store.Slot
}

func (s *SaveStage) ID() string { return StageSaveModel }

func (s *SaveStage) Run(ctx context.Context, run *Run) (interface{}, error) {
	logger := run.Logger()

	payload, err := run.Get(ctx, StageTrainModel, KeyModel)
	if err != nil {
		return nil, err
	}
	var metrics ml.Metrics
	if err := run.GetJSON(ctx, StageTrainModel, KeyMetrics, &metrics); err != nil {
		return nil, err
	}
	// refuse to persist bytes the server could not load
	if _, err := ml.DecodeModel(payload); err != nil {
		return nil, err
	}

	info, err := s.Slot.SaveEncoded(payload, &metrics)
	if err != nil {
		return nil, err
	}
	logger.Info("model saved",
		zap.String("model_path", info.ArtifactPath),
		zap.String("metrics_path", info.MetricsPath),
		zap.String("size", humanize.Bytes(uint64(info.SizeBytes))),
		zap.String("sha256", info.SHA256))
	logger.Info("saved metrics",
		zap.Float64("train_accuracy", metrics.TrainAccuracy),
		zap.Float64("test_accuracy", metrics.TestAccuracy),
		zap.Int("features", len(metrics.FeaturesUsed)),
		zap.Int("classes", len(metrics.Classes)))

	return SaveResult{
		Status:      statusSuccess,
		ModelPath:   info.ArtifactPath,
		MetricsPath: info.MetricsPath,
		SizeBytes:   info.SizeBytes,
		SHA256:      info.SHA256,
	}, nil
}

// Completion is the record produced by the report stage.
type Completion struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Stages    []StageStatus `json:"stages"`
	Load      *LoadResult   `json:"load,omitempty"`
	Train     *TrainResult  `json:"train,omitempty"`
	Save      *SaveResult   `json:"save,omitempty"`
	Metrics   *ml.Metrics   `json:"metrics,omitempty"`
}

const StatusPipelineComplete = "pipeline_complete"

// ReportStage aggregates what the earlier stages reported. Missing upstream results are
// logged and left out of the record; they never fail the stage.
type ReportStage struct{}

func (s *ReportStage) ID() string { return StageReport }

func (s *ReportStage) Run(ctx context.Context, run *Run) (interface{}, error) {
	logger := run.Logger()
	completion := &Completion{
		Status:    StatusPipelineComplete,
		Timestamp: time.Now().UTC(),
		RunID:     run.ID,
		Stages:    run.Statuses(),
	}

	var load LoadResult
	if err := readUpstream(ctx, run, StageLoadData, KeyResult, &load); err == nil {
		completion.Load = &load
		logger.Info("data loading", zap.String("status", load.Status), zap.Int("rows", load.Rows), zap.Int("columns", load.Columns))
	} else {
		logger.Warn("no load result", zap.Error(err))
	}
	var train TrainResult
	if err := readUpstream(ctx, run, StageTrainModel, KeyResult, &train); err == nil {
		completion.Train = &train
		logger.Info("model training", zap.String("status", train.Status),
			zap.Float64("train_accuracy", train.TrainAccuracy), zap.Float64("test_accuracy", train.TestAccuracy))
	} else {
		logger.Warn("no train result", zap.Error(err))
	}
	var metrics ml.Metrics
	if err := readUpstream(ctx, run, StageTrainModel, KeyMetrics, &metrics); err == nil {
		completion.Metrics = &metrics
	}
	var save SaveResult
	if err := readUpstream(ctx, run, StageSaveModel, KeyResult, &save); err == nil {
		completion.Save = &save
		logger.Info("model saving", zap.String("status", save.Status),
			zap.String("model_path", save.ModelPath), zap.String("metrics_path", save.MetricsPath))
	} else {
		logger.Warn("no save result", zap.Error(err))
	}

	if err := run.PutJSON(ctx, KeyCompletion, completion); err != nil {
		return nil, err
	}
	run.Complete(completion)
	logger.Info("all stages completed")
	return struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{completion.Status, completion.Timestamp}, nil
}

func readUpstream(ctx context.Context, run *Run, stageID, key string, v interface{}) error {
	if !run.Completed(stageID) {
		return errs.Errorf(errs.NotFound, "pipeline.report", "stage %s did not complete", stageID)
	}
	return run.GetJSON(ctx, stageID, key, v)
}
