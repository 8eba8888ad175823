// Package serving owns the model server state machine and the prediction engine behind it.
package serving

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modelops/errs"
	"modelops/ml"
	"modelops/store"
)

// State is the server's load state. It leaves Unloaded exactly once.
type State int32

const (
	Unloaded State = iota
	Loaded
	LoadFailed
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "load_failed"
	default:
		return "unloaded"
	}
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	ModelName = "Random Forest Classifier"
	ModelType = "modelops/ml.RandomForest"
)

// Options configures a ModelServer.
type Options struct {
	// Candidates are probed in order for the artifact file.
	Candidates []string
	Version    string
	CacheSize  int
	Logger     *zap.Logger
	// LoadFrom reads an artifact; it defaults to store.LoadFrom.
	LoadFrom func(path string) (store.Loaded, bool, error)
}

// Health is the readiness report. It never carries an error.
type Health struct {
	Status       string    `json:"status"`
	ModelLoaded  bool      `json:"model_loaded"`
	ModelVersion *string   `json:"model_version"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
}

// ModelInfo describes the active model.
type ModelInfo struct {
	ModelName        string    `json:"model_name"`
	ModelType        string    `json:"model_type"`
	Features         []string  `json:"features"`
	Classes          []string  `json:"classes"`
	Accuracy         float64   `json:"accuracy"`
	TestAccuracy     float64   `json:"test_accuracy"`
	TrainedSamples   int       `json:"trained_samples"`
	MetricsAvailable bool      `json:"metrics_available"`
	ArtifactPath     string    `json:"artifact_path"`
	Timestamp        time.Time `json:"timestamp"`
}

// active is captured once on entering Loaded and never mutated.
type active struct {
	engine   *Engine
	metrics  *ml.Metrics
	path     string
	loadedAt time.Time
}

// ModelServer gates inference behind a successful load. Start runs at most once; every
// other method is safe for concurrent use and never blocks on a prediction.
type ModelServer struct {
	opts    Options
	logger  *zap.Logger
	once    sync.Once
	state   atomic.Int32
	current atomic.Pointer[active]
	message atomic.Pointer[string]
}

func NewModelServer(opts Options) *ModelServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LoadFrom == nil {
		opts.LoadFrom = store.LoadFrom
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	s := &ModelServer{opts: opts, logger: opts.Logger.Named("serving")}
	s.setMessage("model not loaded yet")
	return s
}

// Start locates and loads the artifact. It transitions to Loaded or LoadFailed; later
// calls only return the state reached by the first.
func (s *ModelServer) Start() State {
	s.once.Do(s.load)
	return s.State()
}

func (s *ModelServer) State() State {
	return State(s.state.Load())
}

func (s *ModelServer) load() {
	path, ok := store.Locate(s.opts.Candidates)
	if !ok {
		s.logger.Error("model not found in any expected location", zap.Strings("candidates", s.opts.Candidates))
		s.fail("model artifact not found")
		return
	}
	s.logger.Info("loading model", zap.String("path", path))

	loaded, found, err := s.opts.LoadFrom(path)
	if err != nil {
		s.logger.Error("load model", zap.String("path", path), zap.Error(err))
		s.fail("model artifact failed to load")
		return
	}
	if !found {
		s.logger.Error("model disappeared before load", zap.String("path", path))
		s.fail("model artifact not found")
		return
	}
	if loaded.MetricsErr != nil {
		s.logger.Warn("ignoring metrics sidecar", zap.Error(loaded.MetricsErr))
	}

	schema := ml.DefaultSchema
	if loaded.Metrics != nil {
		schema = ml.Schema{Features: loaded.Metrics.FeaturesUsed, Label: ml.DefaultSchema.Label}
		s.logger.Info("metadata loaded",
			zap.Strings("features", loaded.Metrics.FeaturesUsed),
			zap.Strings("classes", loaded.Metrics.Classes),
			zap.Float64("train_accuracy", loaded.Metrics.TrainAccuracy))
	} else {
		s.logger.Warn("metrics sidecar absent, using default schema", zap.Strings("features", schema.Features))
	}
	if counter, ok := loaded.Model.(interface{ FeatureCount() int }); ok && counter.FeatureCount() != len(schema.Features) {
		s.logger.Error("artifact and schema disagree",
			zap.Int("artifact_features", counter.FeatureCount()), zap.Int("schema_features", len(schema.Features)))
		s.fail("model artifact does not match its feature schema")
		return
	}

	engine, err := NewEngine(loaded.Model, schema, s.opts.Version, s.opts.CacheSize)
	if err != nil {
		s.logger.Error("build prediction engine", zap.Error(err))
		s.fail("model artifact failed to load")
		return
	}
	s.current.Store(&active{engine: engine, metrics: loaded.Metrics, path: path, loadedAt: time.Now().UTC()})
	s.setMessage("API is running and model is loaded")
	s.state.Store(int32(Loaded))
	s.logger.Info("ready for predictions", zap.String("version", s.opts.Version))
}

func (s *ModelServer) fail(message string) {
	s.setMessage("API is running but model is not loaded: " + message)
	s.state.Store(int32(LoadFailed))
}

func (s *ModelServer) setMessage(m string) {
	s.message.Store(&m)
}

// Health reports healthy iff the model is loaded. The state is read before the message:
// load publishes the message first, so the message is never older than the state.
func (s *ModelServer) Health() Health {
	state := s.State()
	h := Health{
		Status:    statusUnhealthy,
		Timestamp: time.Now().UTC(),
		Message:   *s.message.Load(),
	}
	if state == Loaded {
		version := s.opts.Version
		h.Status = statusHealthy
		h.ModelLoaded = true
		h.ModelVersion = &version
	}
	return h
}

// ModelInfo describes the loaded model, falling back to the compiled-in schema when the
// metrics sidecar was absent.
func (s *ModelServer) ModelInfo() (ModelInfo, error) {
	a, err := s.active("serving.model_info")
	if err != nil {
		return ModelInfo{}, err
	}
	info := ModelInfo{
		ModelName:    ModelName,
		ModelType:    ModelType,
		Features:     append([]string(nil), ml.DefaultSchema.Features...),
		Classes:      append([]string(nil), ml.DefaultClasses...),
		ArtifactPath: a.path,
		Timestamp:    time.Now().UTC(),
	}
	if m := a.metrics; m != nil {
		info.Features = append([]string(nil), m.FeaturesUsed...)
		if len(m.Classes) > 0 {
			info.Classes = append([]string(nil), m.Classes...)
		}
		info.Accuracy = m.TrainAccuracy
		info.TestAccuracy = m.TestAccuracy
		info.TrainedSamples = m.TrainingSamples
		info.MetricsAvailable = true
	}
	return info, nil
}

func (s *ModelServer) PredictOne(fv ml.FeatureVector) (PredictionResult, error) {
	a, err := s.active("serving.predict_one")
	if err != nil {
		return PredictionResult{}, err
	}
	return a.engine.PredictOne(fv)
}

// PredictMany returns one result per input in input order. An empty batch yields an
// empty result.
func (s *ModelServer) PredictMany(fvs []ml.FeatureVector) ([]PredictionResult, error) {
	a, err := s.active("serving.predict_many")
	if err != nil {
		return nil, err
	}
	return a.engine.PredictMany(fvs)
}

func (s *ModelServer) active(op string) (*active, error) {
	if s.State() != Loaded {
		return nil, errs.Errorf(errs.Unavailable, op, "model is not loaded (state %s)", s.State())
	}
	a := s.current.Load()
	if a == nil {
		return nil, errs.Errorf(errs.Unavailable, op, "model is not loaded")
	}
	return a, nil
}
