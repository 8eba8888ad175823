package ml

import (
	"encoding/json"
	"fmt"

	"modelops/errs"
)

const (
	ModelTypeRandomForest = "random_forest"
	FormatVersion         = 1
)

type envelope struct {
	ModelType     string          `json:"model_type"`
	FormatVersion int             `json:"format_version"`
	Model         json.RawMessage `json:"model"`
}

// EncodeModel serializes a fitted model into the artifact format.
func EncodeModel(model Model) ([]byte, error) {
	const op = "ml.encode_model"
	var modelType string
	switch model.(type) {
	case *RandomForest:
		modelType = ModelTypeRandomForest
	default:
		return nil, errs.Errorf(errs.Validation, op, "unsupported model type %T", model)
	}
	body, err := json.Marshal(model)
	if err != nil {
		return nil, errs.E(errs.Unexpected, op, err)
	}
	payload, err := json.Marshal(envelope{ModelType: modelType, FormatVersion: FormatVersion, Model: body})
	if err != nil {
		return nil, errs.E(errs.Unexpected, op, err)
	}
	return payload, nil
}

// DecodeModel parses artifact bytes and checks the result is usable for inference.
// Any problem is reported as a LoadFailure.
func DecodeModel(payload []byte) (Model, error) {
	const op = "ml.decode_model"
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errs.E(errs.LoadFailure, op, err)
	}
	if env.FormatVersion != FormatVersion {
		return nil, errs.Errorf(errs.LoadFailure, op, "unsupported format version %d", env.FormatVersion)
	}
	switch env.ModelType {
	case ModelTypeRandomForest:
		forest := &RandomForest{}
		if err := json.Unmarshal(env.Model, forest); err != nil {
			return nil, errs.E(errs.LoadFailure, op, err)
		}
		if err := forest.validate(); err != nil {
			return nil, err
		}
		return forest, nil
	default:
		return nil, errs.E(errs.LoadFailure, op, fmt.Errorf("unsupported model type %q", env.ModelType))
	}
}
