package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelops/errs"
)

func classCounts(ds *Dataset) map[string]int {
	counts := make(map[string]int)
	for _, r := range ds.Records {
		counts[r.Label]++
	}
	return counts
}

func TestStratifiedSplitThirtyRows(t *testing.T) {
	ds := irisLike(10)

	train, test, err := StratifiedSplit(ds, 0.2, 42)
	require.NoError(t, err)

	assert.Equal(t, 24, train.Len())
	assert.Equal(t, 6, test.Len())
	assert.Equal(t, map[string]int{"setosa": 2, "versicolor": 2, "virginica": 2}, classCounts(test))
	assert.Equal(t, map[string]int{"setosa": 8, "versicolor": 8, "virginica": 8}, classCounts(train))
}

func TestStratifiedSplitIsDeterministic(t *testing.T) {
	ds := irisLike(17)

	trainA, testA, err := StratifiedSplit(ds, 0.2, 7)
	require.NoError(t, err)
	trainB, testB, err := StratifiedSplit(ds, 0.2, 7)
	require.NoError(t, err)

	assert.Equal(t, trainA.Records, trainB.Records)
	assert.Equal(t, testA.Records, testB.Records)
	assert.Equal(t, ds.Len(), trainA.Len()+testA.Len())
	assert.Equal(t, int(math.Ceil(0.2*float64(ds.Len()))), testA.Len())
}

func TestStratifiedSplitEveryClassOnBothSides(t *testing.T) {
	ds := irisLike(3)

	train, test, err := StratifiedSplit(ds, 0.34, 1)
	require.NoError(t, err)
	assert.Len(t, classCounts(train), 3)
	assert.Len(t, classCounts(test), 3)
}

func TestStratifiedSplitRejects(t *testing.T) {
	tests := []struct {
		name  string
		ds    *Dataset
		ratio float64
	}{
		{"empty", &Dataset{}, 0.2},
		{"ratio zero", irisLike(5), 0},
		{"ratio one", irisLike(5), 1},
		{"singleton class", &Dataset{Records: []Record{
			{Features: []float64{1}, Label: "a"},
			{Features: []float64{2}, Label: "a"},
			{Features: []float64{3}, Label: "b"},
		}}, 0.5},
		{"too few rows for classes", irisLike(2), 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := StratifiedSplit(tt.ds, tt.ratio, 42)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.Validation))
		})
	}
}

func TestDatasetHelpers(t *testing.T) {
	ds := &Dataset{Records: []Record{
		{Features: []float64{1, math.NaN()}, Label: "b"},
		{Features: []float64{2, 3}, Label: "a"},
		{Features: []float64{4, 5}, Label: ""},
		{Features: []float64{6, 7}, Label: "b"},
	}}

	assert.Equal(t, []string{"b", "a", ""}, ds.Classes())
	assert.Equal(t, 2, ds.MissingCells())

	features, labels := ds.Matrix()
	assert.Len(t, features, 4)
	assert.Equal(t, []string{"b", "a", "", "b"}, labels)
}
