package ml

import (
	"math"
	"math/rand"
	"sort"

	"modelops/errs"
)

// DecisionTree is a CART classifier over class indices. Nodes are stored flat so the tree
// serializes as a plain JSON array; node 0 is the root.
type DecisionTree struct {
	Nodes      []TreeNode `json:"nodes"`
	NumClasses int        `json:"num_classes"`

	importances []float64
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	IsLeaf     bool    `json:"is_leaf"`
	// Distribution holds class probabilities at a leaf.
	Distribution []float64 `json:"distribution,omitempty"`
}

// TreeOptions bounds tree growth. Zero values mean unlimited depth, a minimum split of two
// samples and all features considered at every split.
type TreeOptions struct {
	MaxDepth        int
	MinSamplesSplit int
	MaxFeatures     int
	Rand            *rand.Rand
}

// Train grows the tree. labels are indices in [0, numClasses).
func (dt *DecisionTree) Train(features [][]float64, labels []int, numClasses int, opts TreeOptions) error {
	const op = "decision_tree.train"
	if len(features) == 0 || len(labels) == 0 {
		return errs.Errorf(errs.Validation, op, "features or labels empty")
	}
	if len(features) != len(labels) {
		return errs.Errorf(errs.Validation, op, "features and labels size mismatch: %d vs %d", len(features), len(labels))
	}
	if numClasses <= 0 {
		return errs.Errorf(errs.Validation, op, "need at least one class")
	}
	for _, label := range labels {
		if label < 0 || label >= numClasses {
			return errs.Errorf(errs.Validation, op, "label index %d out of range", label)
		}
	}
	if opts.MinSamplesSplit < 2 {
		opts.MinSamplesSplit = 2
	}
	featureCount := len(features[0])
	if opts.MaxFeatures <= 0 || opts.MaxFeatures > featureCount {
		opts.MaxFeatures = featureCount
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}

	b := &treeBuilder{
		features:    features,
		labels:      labels,
		numClasses:  numClasses,
		opts:        opts,
		importances: make([]float64, featureCount),
		total:       float64(len(labels)),
	}
	idx := make([]int, len(labels))
	for i := range idx {
		idx[i] = i
	}
	b.build(idx, 0)

	dt.Nodes = b.nodes
	dt.NumClasses = numClasses
	dt.importances = b.importances
	return nil
}

// Predict returns the most probable class index and its probability.
func (dt *DecisionTree) Predict(features []float64) (int, float64, error) {
	dist, err := dt.PredictProba(features)
	if err != nil {
		return 0, 0, err
	}
	best := argmax(dist)
	return best, dist[best], nil
}

// PredictProba walks to a leaf and returns a copy of its class distribution.
func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	const op = "decision_tree.predict"
	if len(dt.Nodes) == 0 {
		return nil, errs.Errorf(errs.Unavailable, op, "model not trained")
	}
	idx := 0
	for steps := 0; steps <= len(dt.Nodes); steps++ {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return append([]float64(nil), node.Distribution...), nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errs.Errorf(errs.Unexpected, op, "feature index %d out of range", node.FeatureIdx)
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, errs.Errorf(errs.Unexpected, op, "invalid tree state at node %d", idx)
		}
	}
	return nil, errs.Errorf(errs.Unexpected, op, "tree contains a cycle")
}

// validate checks that a decoded tree is well formed.
func (dt *DecisionTree) validate(numFeatures int) error {
	const op = "decision_tree.validate"
	if len(dt.Nodes) == 0 {
		return errs.Errorf(errs.LoadFailure, op, "tree has no nodes")
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if len(node.Distribution) != dt.NumClasses {
				return errs.Errorf(errs.LoadFailure, op, "leaf %d has %d probabilities, want %d",
					i, len(node.Distribution), dt.NumClasses)
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= numFeatures {
			return errs.Errorf(errs.LoadFailure, op, "node %d splits on feature %d of %d", i, node.FeatureIdx, numFeatures)
		}
		// children are always appended after their parent
		if node.LeftChild <= i || node.LeftChild >= len(dt.Nodes) ||
			node.RightChild <= i || node.RightChild >= len(dt.Nodes) {
			return errs.Errorf(errs.LoadFailure, op, "node %d has invalid children", i)
		}
	}
	return nil
}

type treeBuilder struct {
	features    [][]float64
	labels      []int
	numClasses  int
	opts        TreeOptions
	nodes       []TreeNode
	importances []float64
	total       float64
}

// build appends the subtree for idx and returns the index of its root. The node slot is
// reserved before recursing so child indices are absolute.
func (b *treeBuilder) build(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1})

	counts := b.classCounts(idx)
	parentGini := gini(counts, len(idx))
	if parentGini == 0 || len(idx) < b.opts.MinSamplesSplit ||
		(b.opts.MaxDepth > 0 && depth >= b.opts.MaxDepth) {
		b.makeLeaf(self, counts, len(idx))
		return self
	}

	feature, threshold, childGini, ok := b.bestSplit(idx)
	if !ok {
		b.makeLeaf(self, counts, len(idx))
		return self
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.features[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	b.importances[feature] += float64(len(idx)) / b.total * (parentGini - childGini)

	leftChild := b.build(left, depth+1)
	rightChild := b.build(right, depth+1)
	b.nodes[self] = TreeNode{
		FeatureIdx: feature,
		Threshold:  threshold,
		LeftChild:  leftChild,
		RightChild: rightChild,
	}
	return self
}

func (b *treeBuilder) makeLeaf(self int, counts []int, n int) {
	dist := make([]float64, b.numClasses)
	for c, count := range counts {
		dist[c] = float64(count) / float64(n)
	}
	b.nodes[self] = TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1, IsLeaf: true, Distribution: dist}
}

func (b *treeBuilder) classCounts(idx []int) []int {
	counts := make([]int, b.numClasses)
	for _, i := range idx {
		counts[b.labels[i]]++
	}
	return counts
}

// bestSplit scans a random subset of features and returns the split with the lowest
// weighted child impurity. Thresholds sit halfway between adjacent distinct values.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, float64, bool) {
	featureCount := len(b.features[0])
	candidates := b.opts.Rand.Perm(featureCount)[:b.opts.MaxFeatures]
	sort.Ints(candidates)

	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64
	n := len(idx)
	order := make([]int, n)

	for _, feature := range candidates {
		copy(order, idx)
		sort.SliceStable(order, func(a, c int) bool {
			return b.features[order[a]][feature] < b.features[order[c]][feature]
		})
		leftCounts := make([]int, b.numClasses)
		rightCounts := b.classCounts(order)
		for pos := 0; pos < n-1; pos++ {
			label := b.labels[order[pos]]
			leftCounts[label]++
			rightCounts[label]--
			current := b.features[order[pos]][feature]
			next := b.features[order[pos+1]][feature]
			if current == next {
				continue
			}
			leftN := pos + 1
			rightN := n - leftN
			impurity := (float64(leftN)*gini(leftCounts, leftN) + float64(rightN)*gini(rightCounts, rightN)) / float64(n)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = feature
				bestThreshold = current + (next-current)/2
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, 0, false
	}
	return bestFeature, bestThreshold, bestImpurity, true
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(n)
		impurity -= prob * prob
	}
	return impurity
}

// argmax returns the first index holding the largest value.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
