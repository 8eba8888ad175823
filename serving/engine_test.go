package serving

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelops/errs"
	"modelops/ml"
)

func TestEngineRejectsModelWithoutClasses(t *testing.T) {
	_, err := NewEngine(emptyModel{}, ml.DefaultSchema, "1.0.0", 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.LoadFailure))
}

func TestEngineReportsBadModelOutput(t *testing.T) {
	tests := []struct {
		name  string
		proba []float64
	}{
		{name: "too few probabilities", proba: []float64{1}},
		{name: "NaN probability", proba: []float64{math.NaN(), 0.5, 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(&spyModel{proba: tt.proba}, ml.DefaultSchema, "1.0.0", 0)
			require.NoError(t, err)

			_, err = engine.PredictOne(sample(0))
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.Unexpected))
		})
	}
}

func TestEngineClampsConfidence(t *testing.T) {
	engine, err := NewEngine(&spyModel{proba: []float64{1.0000001, 0, 0}}, ml.DefaultSchema, "1.0.0", 0)
	require.NoError(t, err)

	result, err := engine.PredictOne(sample(0))
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestEngineTiesGoToFirstClass(t *testing.T) {
	engine, err := NewEngine(&spyModel{proba: []float64{0.4, 0.4, 0.2}}, ml.DefaultSchema, "1.0.0", 0)
	require.NoError(t, err)

	result, err := engine.PredictOne(sample(0))
	require.NoError(t, err)
	assert.Equal(t, "setosa", result.Prediction)
}

func TestCacheKeyDistinguishesVectors(t *testing.T) {
	assert.Equal(t, cacheKey([]float64{1, 2}), cacheKey([]float64{1, 2}))
	assert.NotEqual(t, cacheKey([]float64{1, 2}), cacheKey([]float64{2, 1}))
	assert.NotEqual(t, cacheKey([]float64{0}), cacheKey([]float64{math.Copysign(0, -1)}))
}

type emptyModel struct{}

func (emptyModel) Classes() []string                         { return nil }
func (emptyModel) Predict([]float64) (string, error)         { return "", nil }
func (emptyModel) PredictProba([]float64) ([]float64, error) { return nil, nil }
