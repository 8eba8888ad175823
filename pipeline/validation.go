package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"modelops/errs"
	"modelops/ml"
)

// QualityIssue is one problem found in a dataset.
type QualityIssue struct {
	Rule    string `json:"rule"`
	Row     int    `json:"row"` // 1-based, 0 when the issue is dataset-wide
	Message string `json:"message"`
}

// ValidationRule checks a dataset before it is handed to training.
type ValidationRule interface {
	Name() string
	Check(ds *ml.Dataset) []QualityIssue
}

// ValidationReport summarizes a validated dataset.
type ValidationReport struct {
	Rows         int            `json:"rows"`
	Features     []string       `json:"features"`
	Classes      []string       `json:"classes"`
	ClassCounts  map[string]int `json:"class_counts"`
	MissingCells int            `json:"missing_cells"`
	Issues       []QualityIssue `json:"issues,omitempty"`
}

// DatasetValidator applies its rules in order and rejects the dataset on any issue.
type DatasetValidator struct {
	rules []ValidationRule
	// MaxReported caps how many issues make it into the error message.
	MaxReported int
}

// NewDatasetValidator returns a validator with the default rules: non-empty, uniform
// dimensionality, no missing cells, finite values and labelled rows.
func NewDatasetValidator() *DatasetValidator {
	v := &DatasetValidator{MaxReported: 5}
	v.AddRule(NonEmptyRule{})
	v.AddRule(DimensionRule{})
	v.AddRule(MissingValueRule{})
	v.AddRule(FiniteValueRule{})
	v.AddRule(LabelRule{})
	return v
}

func (v *DatasetValidator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// Validate returns the report and, when any rule fired, a Validation error listing the
// first issues.
func (v *DatasetValidator) Validate(ds *ml.Dataset) (ValidationReport, error) {
	report := ValidationReport{
		Rows:         ds.Len(),
		Features:     ds.FeatureNames,
		ClassCounts:  make(map[string]int),
		MissingCells: ds.MissingCells(),
	}
	for _, r := range ds.Records {
		report.ClassCounts[r.Label]++
	}
	report.Classes = ds.Classes()

	for _, rule := range v.rules {
		report.Issues = append(report.Issues, rule.Check(ds)...)
	}
	if len(report.Issues) == 0 {
		return report, nil
	}

	limit := v.MaxReported
	if limit <= 0 || limit > len(report.Issues) {
		limit = len(report.Issues)
	}
	msgs := make([]string, 0, limit)
	for _, issue := range report.Issues[:limit] {
		msgs = append(msgs, fmt.Sprintf("%s: %s", issue.Rule, issue.Message))
	}
	if rest := len(report.Issues) - limit; rest > 0 {
		msgs = append(msgs, fmt.Sprintf("and %d more", rest))
	}
	return report, errs.Errorf(errs.Validation, "pipeline.validate", "dataset rejected: %s", strings.Join(msgs, "; "))
}

type NonEmptyRule struct{}

func (NonEmptyRule) Name() string { return "non_empty" }

func (NonEmptyRule) Check(ds *ml.Dataset) []QualityIssue {
	if ds.Len() == 0 {
		return []QualityIssue{{Rule: "non_empty", Message: "dataset has no rows"}}
	}
	return nil
}

// DimensionRule requires every record to match the header width.
type DimensionRule struct{}

func (DimensionRule) Name() string { return "dimension" }

func (DimensionRule) Check(ds *ml.Dataset) []QualityIssue {
	var issues []QualityIssue
	want := len(ds.FeatureNames)
	for i, r := range ds.Records {
		if len(r.Features) != want {
			issues = append(issues, QualityIssue{
				Rule:    "dimension",
				Row:     i + 1,
				Message: fmt.Sprintf("row has %d features, want %d", len(r.Features), want),
			})
		}
	}
	return issues
}

type MissingValueRule struct{}

func (MissingValueRule) Name() string { return "missing_value" }

func (MissingValueRule) Check(ds *ml.Dataset) []QualityIssue {
	var issues []QualityIssue
	for i, r := range ds.Records {
		for j, v := range r.Features {
			if math.IsNaN(v) {
				issues = append(issues, QualityIssue{
					Rule:    "missing_value",
					Row:     i + 1,
					Message: fmt.Sprintf("column %s is empty", columnName(ds, j)),
				})
			}
		}
	}
	return issues
}

type FiniteValueRule struct{}

func (FiniteValueRule) Name() string { return "finite_value" }

func (FiniteValueRule) Check(ds *ml.Dataset) []QualityIssue {
	var issues []QualityIssue
	for i, r := range ds.Records {
		for j, v := range r.Features {
			if math.IsInf(v, 0) {
				issues = append(issues, QualityIssue{
					Rule:    "finite_value",
					Row:     i + 1,
					Message: fmt.Sprintf("column %s is infinite", columnName(ds, j)),
				})
			}
		}
	}
	return issues
}

// LabelRule requires a label on every row and at least two classes overall.
type LabelRule struct{}

func (LabelRule) Name() string { return "label" }

func (LabelRule) Check(ds *ml.Dataset) []QualityIssue {
	var issues []QualityIssue
	classes := make(map[string]struct{})
	for i, r := range ds.Records {
		if r.Label == "" {
			issues = append(issues, QualityIssue{Rule: "label", Row: i + 1, Message: "label is empty"})
			continue
		}
		classes[r.Label] = struct{}{}
	}
	if ds.Len() > 0 && len(classes) < 2 {
		names := make([]string, 0, len(classes))
		for c := range classes {
			names = append(names, c)
		}
		sort.Strings(names)
		issues = append(issues, QualityIssue{
			Rule:    "label",
			Message: fmt.Sprintf("need at least two classes, found [%s]", strings.Join(names, ", ")),
		})
	}
	return issues
}

func columnName(ds *ml.Dataset, j int) string {
	if j < len(ds.FeatureNames) {
		return ds.FeatureNames[j]
	}
	return fmt.Sprintf("#%d", j+1)
}
