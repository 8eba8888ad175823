package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"modelops/errs"
	"modelops/ml"
	"modelops/monitoring"
	"modelops/serving"
)

const apiName = "MLOps Inference API"

// Predictor is the slice of the model server the transport needs.
type Predictor interface {
	Health() serving.Health
	ModelInfo() (serving.ModelInfo, error)
	PredictOne(fv ml.FeatureVector) (serving.PredictionResult, error)
	PredictMany(fvs []ml.FeatureVector) ([]serving.PredictionResult, error)
}

// API holds the handler dependencies.
type API struct {
	predictor Predictor
	metrics   *monitoring.MetricsCollector
	logger    *zap.Logger
	version   string
	upgrader  websocket.Upgrader
}

// NewAPI builds the handlers. origins limits websocket upgrades the same way CORS limits
// browser requests.
func NewAPI(predictor Predictor, metrics *monitoring.MetricsCollector, logger *zap.Logger, version string, origins []string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector(0)
	}
	return &API{
		predictor: predictor,
		metrics:   metrics,
		logger:    logger,
		version:   version,
		upgrader:  newUpgrader(origins),
	}
}

func RegisterHandlers(mux *http.ServeMux, api *API) {
	mux.HandleFunc("GET /{$}", api.handleRoot)
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /model-info", api.handleModelInfo)
	mux.HandleFunc("POST /predict", api.handlePredict)
	mux.HandleFunc("POST /predict-batch", api.handlePredictBatch)
	mux.HandleFunc("GET /metrics", api.handleMetrics)
	mux.HandleFunc("GET /ws/predict", api.handlePredictStream)
}

type errorBody struct {
	Detail string `json:"detail"`
}

type batchItem struct {
	Index         int              `json:"index"`
	Prediction    string           `json:"prediction"`
	Confidence    float64          `json:"confidence"`
	InputFeatures ml.FeatureVector `json:"input_features"`
}

type batchResponse struct {
	TotalSamples int         `json:"total_samples"`
	Predictions  []batchItem `json:"predictions"`
	Timestamp    time.Time   `json:"timestamp"`
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    apiName,
		"version": a.version,
		"endpoints": map[string]string{
			"health":        "/health",
			"model_info":    "/model-info",
			"predict":       "/predict (POST)",
			"predict_batch": "/predict-batch (POST)",
			"metrics":       "/metrics",
			"predict_ws":    "/ws/predict",
		},
		"status": "running",
	})
}

// handleHealth always answers 200; readiness is carried in the body.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.predictor.Health())
}

func (a *API) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.predictor.ModelInfo()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var raw rawVector
	if err := decodeBody(r.Body, &raw); err != nil {
		a.fail(w, r, err)
		return
	}
	fv, err := raw.vector()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.predictor.PredictOne(fv)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.metrics.AddPredictions(1)
	a.logger.Debug("prediction",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("prediction", result.Prediction),
		zap.Float64("confidence", result.Confidence))
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var raws []rawVector
	if err := decodeBody(r.Body, &raws); err != nil {
		a.fail(w, r, err)
		return
	}
	if raws == nil {
		a.fail(w, r, errs.Errorf(errs.Validation, "http.decode", "body must be a JSON array of feature objects"))
		return
	}
	fvs, err := vectors(raws)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	results, err := a.predictor.PredictMany(fvs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.metrics.AddPredictions(len(results))
	a.logger.Info("batch prediction",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.Int("samples", len(results)))
	writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		io.WriteString(w, a.metrics.ExportPrometheus())
		return
	}
	writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}

func newBatchResponse(results []serving.PredictionResult) batchResponse {
	items := make([]batchItem, len(results))
	for i, res := range results {
		items[i] = batchItem{
			Index:         i,
			Prediction:    res.Prediction,
			Confidence:    res.Confidence,
			InputFeatures: res.InputFeatures,
		}
	}
	return batchResponse{TotalSamples: len(items), Predictions: items, Timestamp: time.Now().UTC()}
}

// rawVector keeps nulls distinguishable from zeros.
type rawVector map[string]*float64

func (rv rawVector) vector() (ml.FeatureVector, error) {
	if rv == nil {
		return nil, errs.Errorf(errs.Validation, "http.decode", "body must be a JSON object of features")
	}
	fv := make(ml.FeatureVector, len(rv))
	for name, v := range rv {
		if v == nil {
			return nil, errs.Errorf(errs.Validation, "http.decode", "feature %s is null", name)
		}
		fv[name] = *v
	}
	return fv, nil
}

func vectors(raws []rawVector) ([]ml.FeatureVector, error) {
	fvs := make([]ml.FeatureVector, len(raws))
	for i, raw := range raws {
		fv, err := raw.vector()
		if err != nil {
			return nil, errs.Wrapf(err, "item %d", i)
		}
		fvs[i] = fv
	}
	return fvs, nil
}

func decodeBody(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return errs.E(errs.Validation, "http.decode", fmt.Errorf("invalid request body: %w", err))
	}
	if dec.More() {
		return errs.Errorf(errs.Validation, "http.decode", "invalid request body: trailing data")
	}
	return nil
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.metrics.AddFailure(errs.KindOf(err).String())
	a.writeError(w, r, err)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logFn := a.logger.Warn
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logFn = a.logger.Error
	}
	logFn("request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	writeJSON(w, status, errorBody{Detail: detailFor(status, err)})
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound, errs.Unavailable, errs.LoadFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func detailFor(status int, err error) string {
	switch status {
	case http.StatusBadRequest:
		return "Prediction failed: " + err.Error()
	case http.StatusServiceUnavailable:
		return "Model is not loaded. Please check server logs."
	default:
		return "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
