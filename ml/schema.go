package ml

import (
	"sort"
	"strings"

	"modelops/errs"
)

// Schema fixes the feature names, their order, and the label column.
type Schema struct {
	Features []string
	Label    string
}

// DefaultSchema is the compiled-in schema used when an artifact has no metrics sidecar.
var DefaultSchema = Schema{
	Features: []string{"sepal_length", "sepal_width", "petal_length", "petal_width"},
	Label:    "species",
}

// DefaultClasses is the compiled-in class list reported when metrics are absent.
var DefaultClasses = []string{"setosa", "versicolor", "virginica"}

// FeatureVector is one named set of feature values as received from a caller.
type FeatureVector map[string]float64

// Vector orders fv by the schema. Missing, extra, or misnamed fields are a validation error.
func (s Schema) Vector(fv FeatureVector) ([]float64, error) {
	const op = "schema.vector"
	var missing []string
	vector := make([]float64, len(s.Features))
	for i, name := range s.Features {
		value, ok := fv[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		vector[i] = value
	}
	var unknown []string
	if len(fv) != len(s.Features)-len(missing) {
		known := make(map[string]struct{}, len(s.Features))
		for _, name := range s.Features {
			known[name] = struct{}{}
		}
		for name := range fv {
			if _, ok := known[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		sort.Strings(unknown)
	}
	switch {
	case len(missing) > 0 && len(unknown) > 0:
		return nil, errs.Errorf(errs.Validation, op, "missing fields [%s], unknown fields [%s]",
			strings.Join(missing, ", "), strings.Join(unknown, ", "))
	case len(missing) > 0:
		return nil, errs.Errorf(errs.Validation, op, "missing fields [%s]", strings.Join(missing, ", "))
	case len(unknown) > 0:
		return nil, errs.Errorf(errs.Validation, op, "unknown fields [%s]", strings.Join(unknown, ", "))
	}
	return vector, nil
}

// Equal reports whether both schemas list the same features in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Features) != len(other.Features) || s.Label != other.Label {
		return false
	}
	for i := range s.Features {
		if s.Features[i] != other.Features[i] {
			return false
		}
	}
	return true
}
