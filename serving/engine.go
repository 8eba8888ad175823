package serving

import (
	"encoding/binary"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"modelops/errs"
	"modelops/ml"
)

// PredictionResult is one answer from the engine.
type PredictionResult struct {
	Prediction    string           `json:"prediction"`
	Confidence    float64          `json:"confidence"`
	InputFeatures ml.FeatureVector `json:"input_features"`
	ModelVersion  string           `json:"model_version"`
	Timestamp     time.Time        `json:"timestamp"`
}

type outcome struct {
	label      string
	confidence float64
}

// Engine turns feature vectors into predictions against one immutable model.
type Engine struct {
	model   ml.Model
	schema  ml.Schema
	classes []string
	version string
	cache   *lru.Cache[string, outcome]
	now     func() time.Time
}

// NewEngine binds model to schema. A cacheSize of zero disables the result cache.
func NewEngine(model ml.Model, schema ml.Schema, version string, cacheSize int) (*Engine, error) {
	e := &Engine{
		model:   model,
		schema:  schema,
		classes: model.Classes(),
		version: version,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if len(e.classes) == 0 {
		return nil, errs.Errorf(errs.LoadFailure, "serving.new_engine", "model reports no classes")
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, outcome](cacheSize)
		if err != nil {
			return nil, errs.E(errs.Unexpected, "serving.new_engine", err)
		}
		e.cache = cache
	}
	return e, nil
}

// PredictOne validates fv against the schema and classifies it.
func (e *Engine) PredictOne(fv ml.FeatureVector) (PredictionResult, error) {
	vector, err := e.schema.Vector(fv)
	if err != nil {
		return PredictionResult{}, err
	}
	out, err := e.invoke(vector)
	if err != nil {
		return PredictionResult{}, err
	}
	return e.result(vector, out), nil
}

// PredictMany validates every input before invoking the model once per row. Any failure
// fails the whole batch. Results keep the input order.
func (e *Engine) PredictMany(fvs []ml.FeatureVector) ([]PredictionResult, error) {
	vectors := make([][]float64, len(fvs))
	for i, fv := range fvs {
		vector, err := e.schema.Vector(fv)
		if err != nil {
			return nil, errs.Wrapf(err, "item %d", i)
		}
		vectors[i] = vector
	}
	results := make([]PredictionResult, len(vectors))
	for i, vector := range vectors {
		out, err := e.invoke(vector)
		if err != nil {
			return nil, errs.Wrapf(err, "item %d", i)
		}
		results[i] = e.result(vector, out)
	}
	return results, nil
}

func (e *Engine) result(vector []float64, out outcome) PredictionResult {
	echo := make(ml.FeatureVector, len(vector))
	for i, name := range e.schema.Features {
		echo[name] = vector[i]
	}
	return PredictionResult{
		Prediction:    out.label,
		Confidence:    out.confidence,
		InputFeatures: echo,
		ModelVersion:  e.version,
		Timestamp:     e.now(),
	}
}

// invoke runs the model. Any error or panic from the model is reported as Unexpected so
// one bad call never takes the process down.
func (e *Engine) invoke(vector []float64) (out outcome, err error) {
	const op = "serving.invoke"
	key := cacheKey(vector)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = errs.Errorf(errs.Unexpected, op, "model panicked: %v", r)
		}
	}()
	proba, err := e.model.PredictProba(vector)
	if err != nil {
		if errs.KindOf(err) == errs.Validation {
			return outcome{}, err
		}
		return outcome{}, errs.E(errs.Unexpected, op, err)
	}
	if len(proba) != len(e.classes) {
		return outcome{}, errs.Errorf(errs.Unexpected, op, "model returned %d probabilities for %d classes", len(proba), len(e.classes))
	}
	best := 0
	for i, p := range proba {
		if math.IsNaN(p) {
			return outcome{}, errs.Errorf(errs.Unexpected, op, "model returned NaN probability for %s", e.classes[i])
		}
		if p > proba[best] {
			best = i
		}
	}
	out = outcome{label: e.classes[best], confidence: clamp01(proba[best])}
	if e.cache != nil {
		e.cache.Add(key, out)
	}
	return out, nil
}

func cacheKey(vector []float64) string {
	buf := make([]byte, 8*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return string(buf)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
