package ml

import (
	"sort"

	"modelops/errs"
)

// Metrics describes one training run. It is written next to the artifact as a JSON sidecar.
type Metrics struct {
	TrainAccuracy     float64            `json:"train_accuracy"`
	TestAccuracy      float64            `json:"test_accuracy"`
	TrainingSamples   int                `json:"training_samples"`
	TestSamples       int                `json:"test_samples"`
	FeaturesUsed      []string           `json:"features_used"`
	Classes           []string           `json:"classes"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	// ArtifactSHA256 ties the sidecar to the artifact bytes it was written with.
	ArtifactSHA256 string `json:"artifact_sha256,omitempty"`
}

// FeatureScore pairs a feature with its importance.
type FeatureScore struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Accuracy is the fraction of rows whose predicted label equals the actual label.
func Accuracy(model Model, features [][]float64, labels []string) (float64, error) {
	const op = "ml.accuracy"
	if len(features) != len(labels) {
		return 0, errs.Errorf(errs.Validation, op, "features and labels size mismatch: %d vs %d", len(features), len(labels))
	}
	if len(features) == 0 {
		return 0, errs.Errorf(errs.Validation, op, "no rows to score")
	}
	correct := 0
	for i, row := range features {
		predicted, err := model.Predict(row)
		if err != nil {
			return 0, err
		}
		if predicted == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(features)), nil
}

// ImportanceMap names each importance value. It returns nil when the counts disagree.
func ImportanceMap(names []string, importances []float64) map[string]float64 {
	if len(names) == 0 || len(names) != len(importances) {
		return nil
	}
	out := make(map[string]float64, len(names))
	for i, name := range names {
		out[name] = importances[i]
	}
	return out
}

// RankImportance orders the importance mapping descending, breaking ties by name.
func RankImportance(importance map[string]float64) []FeatureScore {
	ranked := make([]FeatureScore, 0, len(importance))
	for name, value := range importance {
		ranked = append(ranked, FeatureScore{Feature: name, Importance: value})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Importance != ranked[j].Importance {
			return ranked[i].Importance > ranked[j].Importance
		}
		return ranked[i].Feature < ranked[j].Feature
	})
	return ranked
}
