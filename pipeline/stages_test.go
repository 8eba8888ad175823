package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"modelops/config"
	"modelops/db"
	"modelops/errs"
	"modelops/ml"
	"modelops/store"
)

func writeDataset(t *testing.T, dir string, perClass int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("sepal_length,sepal_width,petal_length,petal_width,species\n")
	for c, class := range ml.DefaultClasses {
		for i := 0; i < perClass; i++ {
			j := float64(i%4) * 0.1
			fmt.Fprintf(&b, "%.1f,%.1f,%.1f,%.1f,%s\n",
				5.0+float64(c)*0.7+j, 3.4-float64(c)*0.3+j, 1.4+float64(c)*2.1+j, 0.2+float64(c)*0.9+j, class)
		}
	}
	path := filepath.Join(dir, "dataset.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T, datasetPath string) config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.DatasetCandidates = []string{filepath.Join(t.TempDir(), "missing.csv"), datasetPath}
	cfg.ModelDir = filepath.Join(t.TempDir(), "models")
	cfg.NEstimators = 10
	return cfg
}

func TestTrainingPipelineEndToEnd(t *testing.T) {
	dataset := writeDataset(t, t.TempDir(), 10)
	cfg := testConfig(t, dataset)

	result, err := NewTrainingPipeline(cfg, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Succeeded)

	require.NotNil(t, result.Completion)
	c := result.Completion
	assert.Equal(t, StatusPipelineComplete, c.Status)
	require.NotNil(t, c.Load)
	assert.Equal(t, 30, c.Load.Rows)
	assert.Equal(t, dataset, c.Load.Path)
	require.NotNil(t, c.Metrics)
	assert.Equal(t, 24, c.Metrics.TrainingSamples)
	assert.Equal(t, 6, c.Metrics.TestSamples)
	assert.Equal(t, ml.DefaultSchema.Features, c.Metrics.FeaturesUsed)
	assert.Len(t, c.Metrics.FeatureImportance, 4)
	require.NotNil(t, c.Save)

	loaded, found, err := store.NewSlot(cfg.ModelDir).Load()
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, loaded.Metrics)
	assert.Equal(t, c.Save.SHA256, loaded.SHA256)
	assert.Equal(t, c.Metrics.TestAccuracy, loaded.Metrics.TestAccuracy)
}

func TestTrainingPipelineIsReproducible(t *testing.T) {
	dataset := writeDataset(t, t.TempDir(), 12)
	cfg := testConfig(t, dataset)

	first, err := NewTrainingPipeline(cfg, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	second, err := NewTrainingPipeline(cfg, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Completion.Save.SHA256, second.Completion.Save.SHA256)
}

func TestTrainingPipelineMissingDataset(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "nowhere.csv"))

	result, err := NewTrainingPipeline(cfg, zaptest.NewLogger(t)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.StageFailure))

	status, _ := result.Status(StageLoadData)
	assert.Equal(t, StageFailed, status.State)
	for _, id := range []string{StageTrainModel, StageSaveModel, StageReport} {
		s, _ := result.Status(id)
		assert.Equal(t, StageSkipped, s.State, id)
	}
	_, found, err := store.NewSlot(cfg.ModelDir).Load()
	require.NoError(t, err)
	assert.False(t, found, "no artifact may be written")
}

func TestTrainingPipelineRejectsMissingCells(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.csv")
	content := "sepal_length,sepal_width,petal_length,petal_width,species\n" +
		"5.1,3.5,1.4,0.2,setosa\n" +
		"4.9,,1.4,0.2,setosa\n" +
		"6.4,3.2,4.5,1.5,versicolor\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg := testConfig(t, path)

	result, err := NewTrainingPipeline(cfg, zaptest.NewLogger(t)).Run(context.Background())
	require.Error(t, err)
	status, _ := result.Status(StageLoadData)
	assert.Equal(t, StageFailed, status.State)
	assert.Contains(t, status.Error, "missing_value")
}

func TestTrainingPipelineOverSQLiteHandoff(t *testing.T) {
	dataset := writeDataset(t, t.TempDir(), 10)
	cfg := testConfig(t, dataset)
	database, err := db.Open(filepath.Join(t.TempDir(), "modelops.db"))
	require.NoError(t, err)
	defer database.Close()

	logger := zaptest.NewLogger(t)
	result, err := NewTrainingPipeline(cfg, logger).WithChannel(SQLiteChannels(database)).Run(context.Background())
	require.NoError(t, err)

	RecordHistory(context.Background(), database, result, logger)
	logs, err := database.LoadTrainingLog(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, result.RunID, logs[0].RunID)
	assert.Equal(t, "succeeded", logs[0].Status)
	assert.Equal(t, result.Completion.Save.SHA256, logs[0].ArtifactSHA256)
	assert.Equal(t, 24, logs[0].TrainingSamples)
}

func TestRecordHistoryForFailedRun(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "modelops.db"))
	require.NoError(t, err)
	defer database.Close()

	RecordHistory(context.Background(), database, &RunResult{RunID: "r1"}, zaptest.NewLogger(t))
	logs, err := database.LoadTrainingLog(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "failed", logs[0].Status)
}
