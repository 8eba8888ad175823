package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelops/errs"
)

func TestEncodeDecodeKeepsPredictions(t *testing.T) {
	ds := irisLike(10)
	forest := fitForest(t, ds, 42)

	payload, err := EncodeModel(forest)
	require.NoError(t, err)
	decoded, err := DecodeModel(payload)
	require.NoError(t, err)

	assert.Equal(t, forest.Classes(), decoded.Classes())
	for _, r := range ds.Records {
		want, err := forest.PredictProba(r.Features)
		require.NoError(t, err)
		got, err := decoded.PredictProba(r.Features)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeModelRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "garbage"},
		{"truncated", `{"model_type":"random_forest","format_version":1,"model":{"classes":["a"]`},
		{"wrong version", `{"model_type":"random_forest","format_version":9,"model":{}}`},
		{"unknown type", `{"model_type":"svm","format_version":1,"model":{}}`},
		{"no trees", `{"model_type":"random_forest","format_version":1,"model":{"classes":["a"],"num_features":4,"trees":[]}}`},
		{"bad child", `{"model_type":"random_forest","format_version":1,"model":{"classes":["a"],"num_features":1,
			"trees":[{"num_classes":1,"nodes":[{"feature_idx":0,"threshold":1,"left_child":0,"right_child":0}]}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeModel([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.LoadFailure), "kind was %v", errs.KindOf(err))
		})
	}
}

func TestRankImportance(t *testing.T) {
	ranked := RankImportance(map[string]float64{"a": 0.1, "b": 0.6, "c": 0.3, "d": 0.3})

	names := make([]string, len(ranked))
	for i, s := range ranked {
		names[i] = s.Feature
	}
	assert.Equal(t, []string{"b", "c", "d", "a"}, names)
	assert.Nil(t, ImportanceMap([]string{"a"}, []float64{1, 2}))
}
