package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelops/errs"
	"modelops/ml"
)

func trainedModel(t *testing.T) (ml.Model, *ml.Metrics) {
	t.Helper()
	features := [][]float64{
		{5.1, 3.5, 1.4, 0.2}, {4.9, 3.0, 1.4, 0.2}, {5.0, 3.4, 1.5, 0.2},
		{6.4, 3.2, 4.5, 1.5}, {6.9, 3.1, 4.9, 1.5}, {5.5, 2.3, 4.0, 1.3},
		{6.3, 3.3, 6.0, 2.5}, {5.8, 2.7, 5.1, 1.9}, {7.1, 3.0, 5.9, 2.1},
	}
	labels := []string{"setosa", "setosa", "setosa", "versicolor", "versicolor", "versicolor", "virginica", "virginica", "virginica"}
	model, err := ml.NewRandomForest(ml.ForestOptions{NEstimators: 5, Seed: 42, FeatureNames: ml.DefaultSchema.Features}).Fit(features, labels)
	require.NoError(t, err)
	return model, &ml.Metrics{
		TrainAccuracy:   1,
		TestAccuracy:    0.9,
		TrainingSamples: 9,
		TestSamples:     3,
		FeaturesUsed:    ml.DefaultSchema.Features,
		Classes:         ml.DefaultClasses,
	}
}

func TestLocateFirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "b", "model.json")
	third := filepath.Join(dir, "c", "model.json")
	for _, p := range []string{second, third} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	got, ok := Locate([]string{filepath.Join(dir, "a", "model.json"), second, third})
	require.True(t, ok)
	assert.Equal(t, second, got)

	_, ok = Locate([]string{filepath.Join(dir, "missing"), dir})
	assert.False(t, ok, "directories are not artifacts")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	model, metrics := trainedModel(t)
	slot := NewSlot(filepath.Join(t.TempDir(), "models"))

	info, err := slot.Save(model, metrics)
	require.NoError(t, err)
	assert.Positive(t, info.SizeBytes)
	assert.Len(t, info.SHA256, 64)

	loaded, found, err := slot.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, loaded.Metrics)
	assert.NoError(t, loaded.MetricsErr)
	assert.Equal(t, info.SHA256, loaded.Metrics.ArtifactSHA256)
	assert.Equal(t, metrics.FeaturesUsed, loaded.Metrics.FeaturesUsed)
	assert.Equal(t, 0.9, loaded.Metrics.TestAccuracy)

	probe := []float64{6.0, 2.9, 4.5, 1.5}
	want, err := model.PredictProba(probe)
	require.NoError(t, err)
	got, err := loaded.Model.PredictProba(probe)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadMissingArtifactIsAbsent(t *testing.T) {
	_, found, err := NewSlot(t.TempDir()).Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadWithoutMetrics(t *testing.T) {
	model, _ := trainedModel(t)
	slot := NewSlot(t.TempDir())
	_, err := slot.Save(model, nil)
	require.NoError(t, err)

	loaded, found, err := slot.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, loaded.Metrics)
	assert.NoError(t, loaded.MetricsErr)
}

func TestSaveWithoutMetricsDropsUndigestedSidecar(t *testing.T) {
	model, _ := trainedModel(t)
	slot := NewSlot(t.TempDir())
	require.NoError(t, os.WriteFile(slot.MetricsPath(),
		[]byte(`{"train_accuracy":0.5,"features_used":["a","b","c","d"],"classes":["x"]}`), 0o644))

	_, err := slot.Save(model, nil)
	require.NoError(t, err)
	assert.NoFileExists(t, slot.MetricsPath())

	loaded, found, err := slot.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, loaded.Metrics)
	assert.NoError(t, loaded.MetricsErr)
}

func TestLoadIgnoresStaleSidecar(t *testing.T) {
	model, metrics := trainedModel(t)
	slot := NewSlot(t.TempDir())
	_, err := slot.Save(model, metrics)
	require.NoError(t, err)

	other, _ := trainedModel(t)
	payload, err := ml.EncodeModel(other)
	require.NoError(t, err)
	payload = append(payload, '\n')
	require.NoError(t, os.WriteFile(slot.ArtifactPath(), payload, 0o644))

	loaded, found, err := slot.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, loaded.Metrics)
	assert.True(t, errs.Is(loaded.MetricsErr, errs.LoadFailure))
}

func TestLoadCorruptSidecar(t *testing.T) {
	model, metrics := trainedModel(t)
	slot := NewSlot(t.TempDir())
	_, err := slot.Save(model, metrics)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(slot.MetricsPath(), []byte("{not json"), 0o644))

	loaded, found, err := slot.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, loaded.Metrics)
	assert.Error(t, loaded.MetricsErr)
}

func TestLoadCorruptArtifact(t *testing.T) {
	for name, payload := range map[string][]byte{
		"empty":   {},
		"garbage": []byte("definitely not a model"),
	} {
		t.Run(name, func(t *testing.T) {
			slot := NewSlot(t.TempDir())
			require.NoError(t, os.WriteFile(slot.ArtifactPath(), payload, 0o644))

			_, found, err := slot.Load()
			require.Error(t, err)
			assert.True(t, found)
			assert.True(t, errs.Is(err, errs.LoadFailure))
		})
	}
}

func TestSaveReplacesPreviousPair(t *testing.T) {
	model, metrics := trainedModel(t)
	slot := NewSlot(t.TempDir())
	_, err := slot.Save(model, metrics)
	require.NoError(t, err)

	updated := *metrics
	updated.TestAccuracy = 0.5
	_, err = slot.Save(model, &updated)
	require.NoError(t, err)

	loaded, _, err := slot.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded.Metrics)
	assert.Equal(t, 0.5, loaded.Metrics.TestAccuracy)

	entries, err := os.ReadDir(filepath.Dir(slot.ArtifactPath()))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")
}
