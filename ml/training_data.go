package ml

import (
	"math"
	"math/rand"
	"sort"

	"modelops/errs"
)

// Record is one labelled row. A NaN feature marks a missing cell.
type Record struct {
	Features []float64 `json:"features"`
	Label    string    `json:"label"`
}

// Dataset is an ordered sequence of records sharing one schema.
type Dataset struct {
	FeatureNames []string `json:"feature_names"`
	LabelName    string   `json:"label_name"`
	Records      []Record `json:"records"`
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// Schema returns the dataset's feature layout.
func (d *Dataset) Schema() Schema {
	return Schema{Features: append([]string(nil), d.FeatureNames...), Label: d.LabelName}
}

// Matrix splits the records into a feature matrix and a label slice.
func (d *Dataset) Matrix() ([][]float64, []string) {
	features := make([][]float64, len(d.Records))
	labels := make([]string, len(d.Records))
	for i, r := range d.Records {
		features[i] = r.Features
		labels[i] = r.Label
	}
	return features, labels
}

// Classes returns the distinct labels in order of first appearance.
func (d *Dataset) Classes() []string {
	seen := make(map[string]struct{})
	classes := make([]string, 0)
	for _, r := range d.Records {
		if _, ok := seen[r.Label]; ok {
			continue
		}
		seen[r.Label] = struct{}{}
		classes = append(classes, r.Label)
	}
	return classes
}

// MissingCells counts NaN features and empty labels.
func (d *Dataset) MissingCells() int {
	missing := 0
	for _, r := range d.Records {
		for _, v := range r.Features {
			if math.IsNaN(v) {
				missing++
			}
		}
		if r.Label == "" {
			missing++
		}
	}
	return missing
}

func (d *Dataset) subset(indices []int) *Dataset {
	out := &Dataset{
		FeatureNames: d.FeatureNames,
		LabelName:    d.LabelName,
		Records:      make([]Record, len(indices)),
	}
	for i, idx := range indices {
		out.Records[i] = d.Records[idx]
	}
	return out
}

// StratifiedSplit partitions d into train and test sets so that each class keeps its share
// in the test set. The test size is ceil(testRatio * n); the same seed and input always give
// the same partitions.
func StratifiedSplit(d *Dataset, testRatio float64, seed int64) (train, test *Dataset, err error) {
	const op = "ml.stratified_split"
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, errs.Errorf(errs.Validation, op, "test ratio %v outside (0, 1)", testRatio)
	}
	n := d.Len()
	if n == 0 {
		return nil, nil, errs.Errorf(errs.Validation, op, "dataset is empty")
	}

	byClass := make(map[string][]int)
	for i, r := range d.Records {
		byClass[r.Label] = append(byClass[r.Label], i)
	}
	classes := make([]string, 0, len(byClass))
	for class, members := range byClass {
		if len(members) < 2 {
			return nil, nil, errs.Errorf(errs.Validation, op, "class %q has %d member, need at least 2", class, len(members))
		}
		classes = append(classes, class)
	}
	sort.Strings(classes)

	nTest := int(math.Ceil(testRatio*float64(n) - 1e-9))
	nTrain := n - nTest
	if nTest < len(classes) || nTrain < len(classes) {
		return nil, nil, errs.Errorf(errs.Validation, op,
			"split of %d rows into %d/%d cannot hold all %d classes", n, nTrain, nTest, len(classes))
	}

	allocation := allocateTestCounts(classes, byClass, n, nTest)

	rnd := rand.New(rand.NewSource(seed))
	trainIdx := make([]int, 0, nTrain)
	testIdx := make([]int, 0, nTest)
	for _, class := range classes {
		members := append([]int(nil), byClass[class]...)
		rnd.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		k := allocation[class]
		testIdx = append(testIdx, members[:k]...)
		trainIdx = append(trainIdx, members[k:]...)
	}
	rnd.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
	rnd.Shuffle(len(testIdx), func(i, j int) { testIdx[i], testIdx[j] = testIdx[j], testIdx[i] })

	return d.subset(trainIdx), d.subset(testIdx), nil
}

// allocateTestCounts spreads nTest over the classes proportionally, handing the rounding
// remainder to the largest fractional shares. Every class keeps at least one training row.
func allocateTestCounts(classes []string, byClass map[string][]int, n, nTest int) map[string]int {
	type share struct {
		class string
		frac  float64
	}
	allocation := make(map[string]int, len(classes))
	shares := make([]share, 0, len(classes))
	assigned := 0
	for _, class := range classes {
		exact := float64(nTest) * float64(len(byClass[class])) / float64(n)
		whole := int(math.Floor(exact))
		if whole > len(byClass[class])-1 {
			whole = len(byClass[class]) - 1
		}
		allocation[class] = whole
		assigned += whole
		shares = append(shares, share{class: class, frac: exact - float64(whole)})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].frac > shares[j].frac
	})
	for assigned < nTest {
		progressed := false
		for _, s := range shares {
			if assigned == nTest {
				break
			}
			if allocation[s.class] < len(byClass[s.class])-1 {
				allocation[s.class]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return allocation
}
