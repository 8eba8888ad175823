package ml

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"

	"modelops/errs"
)

// ForestOptions configures NewRandomForest.
type ForestOptions struct {
	NEstimators int
	// MaxDepth of zero grows every tree until its leaves are pure.
	MaxDepth int
	// MaxFeatures of zero uses the square root of the feature count.
	MaxFeatures int
	Seed        int64
	// FeatureNames is recorded in the fitted model; it may be empty.
	FeatureNames []string
}

// RandomForestTrainer fits RandomForest models. It implements Trainer.
type RandomForestTrainer struct {
	opts ForestOptions
}

func NewRandomForest(opts ForestOptions) *RandomForestTrainer {
	if opts.NEstimators <= 0 {
		opts.NEstimators = 100
	}
	return &RandomForestTrainer{opts: opts}
}

// RandomForest is a bagged ensemble of decision trees. Class probabilities are the mean of
// the per-tree leaf distributions.
type RandomForest struct {
	ClassNames   []string        `json:"classes"`
	FeatureNames []string        `json:"features,omitempty"`
	NumFeatures  int             `json:"num_features"`
	Trees        []*DecisionTree `json:"trees"`
	Importances  []float64       `json:"feature_importances"`
}

// Fit trains NEstimators trees on bootstrap samples. Trees train concurrently, each with
// its own seed derived up front, so the result only depends on the inputs and Seed.
func (t *RandomForestTrainer) Fit(features [][]float64, labels []string) (Model, error) {
	const op = "random_forest.fit"
	if len(features) == 0 {
		return nil, errs.Errorf(errs.Validation, op, "no training rows")
	}
	if len(features) != len(labels) {
		return nil, errs.Errorf(errs.Validation, op, "features and labels size mismatch: %d vs %d", len(features), len(labels))
	}
	featureCount := len(features[0])
	if featureCount == 0 {
		return nil, errs.Errorf(errs.Validation, op, "rows have no features")
	}
	for i, row := range features {
		if len(row) != featureCount {
			return nil, errs.Errorf(errs.Validation, op, "row %d has %d features, want %d", i, len(row), featureCount)
		}
	}
	if len(t.opts.FeatureNames) > 0 && len(t.opts.FeatureNames) != featureCount {
		return nil, errs.Errorf(errs.Validation, op, "%d feature names for %d features", len(t.opts.FeatureNames), featureCount)
	}

	classes := uniqueSorted(labels)
	classIndex := make(map[string]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}
	encoded := make([]int, len(labels))
	for i, l := range labels {
		encoded[i] = classIndex[l]
	}

	maxFeatures := t.opts.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Max(1, math.Floor(math.Sqrt(float64(featureCount)))))
	}

	seeds := make([]int64, t.opts.NEstimators)
	seedSource := rand.New(rand.NewSource(t.opts.Seed))
	for i := range seeds {
		seeds[i] = seedSource.Int63()
	}

	trees := make([]*DecisionTree, t.opts.NEstimators)
	trainErrs := make([]error, t.opts.NEstimators)
	var wg sync.WaitGroup
	for i := range trees {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seeds[i]))
			sampleX := make([][]float64, len(features))
			sampleY := make([]int, len(features))
			for j := range sampleX {
				k := rnd.Intn(len(features))
				sampleX[j] = features[k]
				sampleY[j] = encoded[k]
			}
			tree := &DecisionTree{}
			trainErrs[i] = tree.Train(sampleX, sampleY, len(classes), TreeOptions{
				MaxDepth:    t.opts.MaxDepth,
				MaxFeatures: maxFeatures,
				Rand:        rnd,
			})
			trees[i] = tree
		}(i)
	}
	wg.Wait()
	for _, err := range trainErrs {
		if err != nil {
			return nil, errs.Wrapf(err, "train tree")
		}
	}

	forest := &RandomForest{
		ClassNames:   classes,
		FeatureNames: append([]string(nil), t.opts.FeatureNames...),
		NumFeatures:  featureCount,
		Trees:        trees,
		Importances:  aggregateImportances(trees, featureCount),
	}
	return forest, nil
}

func (rf *RandomForest) Classes() []string {
	return append([]string(nil), rf.ClassNames...)
}

// FeatureCount is the input width the forest was trained on.
func (rf *RandomForest) FeatureCount() int { return rf.NumFeatures }

// FeatureImportances returns mean impurity decrease per feature, normalized to sum to one.
func (rf *RandomForest) FeatureImportances() []float64 {
	return append([]float64(nil), rf.Importances...)
}

func (rf *RandomForest) PredictProba(features []float64) ([]float64, error) {
	const op = "random_forest.predict_proba"
	if len(rf.Trees) == 0 {
		return nil, errs.Errorf(errs.Unavailable, op, "model not trained")
	}
	if len(features) != rf.NumFeatures {
		return nil, errs.Errorf(errs.Validation, op, "got %d features, want %d", len(features), rf.NumFeatures)
	}
	perClass := make([][]float64, len(rf.ClassNames))
	for c := range perClass {
		perClass[c] = make([]float64, len(rf.Trees))
	}
	for i, tree := range rf.Trees {
		dist, err := tree.PredictProba(features)
		if err != nil {
			return nil, err
		}
		for c := range perClass {
			perClass[c][i] = dist[c]
		}
	}
	proba := make([]float64, len(rf.ClassNames))
	for c, values := range perClass {
		mean, err := stats.Mean(values)
		if err != nil {
			return nil, errs.E(errs.Unexpected, op, err)
		}
		proba[c] = mean
	}
	return proba, nil
}

// Predict returns the class with the highest mean probability. Ties go to the class that
// sorts first.
func (rf *RandomForest) Predict(features []float64) (string, error) {
	proba, err := rf.PredictProba(features)
	if err != nil {
		return "", err
	}
	return rf.ClassNames[argmax(proba)], nil
}

func (rf *RandomForest) validate() error {
	const op = "random_forest.validate"
	if len(rf.ClassNames) == 0 {
		return errs.Errorf(errs.LoadFailure, op, "no classes")
	}
	if rf.NumFeatures <= 0 {
		return errs.Errorf(errs.LoadFailure, op, "no features")
	}
	if len(rf.Trees) == 0 {
		return errs.Errorf(errs.LoadFailure, op, "no trees")
	}
	if len(rf.FeatureNames) > 0 && len(rf.FeatureNames) != rf.NumFeatures {
		return errs.Errorf(errs.LoadFailure, op, "%d feature names for %d features", len(rf.FeatureNames), rf.NumFeatures)
	}
	for i, tree := range rf.Trees {
		if tree == nil {
			return errs.Errorf(errs.LoadFailure, op, "tree %d is null", i)
		}
		if tree.NumClasses != len(rf.ClassNames) {
			return errs.Errorf(errs.LoadFailure, op, "tree %d has %d classes, want %d", i, tree.NumClasses, len(rf.ClassNames))
		}
		if err := tree.validate(rf.NumFeatures); err != nil {
			return errs.Wrapf(err, "tree %d", i)
		}
	}
	return nil
}

func aggregateImportances(trees []*DecisionTree, featureCount int) []float64 {
	total := make([]float64, featureCount)
	for _, tree := range trees {
		for f, v := range tree.importances {
			total[f] += v
		}
	}
	sum, err := stats.Sum(total)
	if err != nil || sum == 0 {
		return total
	}
	for f := range total {
		total[f] /= sum
	}
	return total
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
