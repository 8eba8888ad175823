package ml

// Model is a fitted classifier. Implementations are immutable after Fit returns,
// so one value may be shared by concurrent callers.
type Model interface {
	// Classes returns the label set in the order PredictProba reports it.
	Classes() []string
	Predict(features []float64) (string, error)
	PredictProba(features []float64) ([]float64, error)
}

// ImportanceReporter is implemented by models that can rank their inputs.
type ImportanceReporter interface {
	FeatureImportances() []float64
}

// Trainer fits a Model from a feature matrix and its labels.
type Trainer interface {
	Fit(features [][]float64, labels []string) (Model, error)
}
