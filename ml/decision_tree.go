package ml

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/lidadreamer/ML-tornado/errors"
)

// DecisionTree is a CART-style classifier splitting on feature medians by
// gini impurity. Nodes are stored flat; children are indices into nodes.
type DecisionTree struct {
	maxDepth int
	width    int
	classes  []Label
	nodes    []TreeNode
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Class      int     `json:"class"`
	IsLeaf     bool    `json:"is_leaf"`
}

type treeState struct {
	MaxDepth int        `json:"max_depth"`
	Width    int        `json:"width"`
	Classes  []Label    `json:"classes"`
	Nodes    []TreeNode `json:"nodes"`
}

func NewDecisionTree(maxDepth int) *DecisionTree {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &DecisionTree{maxDepth: maxDepth}
}

func (dt *DecisionTree) Kind() Kind { return DecisionTreeKind }

func (dt *DecisionTree) Fit(features [][]float64, labels []Label) error {
	width, err := checkTrainingSet(features, labels)
	if err != nil {
		return err
	}
	classes, idx := encodeLabels(labels)

	dt.width = width
	dt.classes = classes
	dt.nodes = dt.buildNode(features, idx, 0)
	return nil
}

func (dt *DecisionTree) Predict(features [][]float64) ([]Label, error) {
	if len(dt.nodes) == 0 {
		return nil, errNotTrained
	}
	if err := checkQuery(features, dt.width); err != nil {
		return nil, err
	}
	out := make([]Label, len(features))
	for i, f := range features {
		class, err := dt.walk(f)
		if err != nil {
			return nil, err
		}
		out[i] = dt.classes[class]
	}
	return out, nil
}

func (dt *DecisionTree) walk(features []float64) (int, error) {
	idx := 0
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node.Class, nil
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

func (dt *DecisionTree) MarshalState() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, errNotTrained
	}
	return json.Marshal(treeState{MaxDepth: dt.maxDepth, Width: dt.width, Classes: dt.classes, Nodes: dt.nodes})
}

func (dt *DecisionTree) UnmarshalState(data []byte) error {
	var s treeState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Nodes) == 0 || len(s.Classes) == 0 {
		return errors.New("tree state is empty")
	}
	for _, n := range s.Nodes {
		if n.Class < 0 || n.Class >= len(s.Classes) {
			return errors.New("tree node refers to unknown class")
		}
		if !n.IsLeaf && (n.FeatureIdx < 0 || n.FeatureIdx >= s.Width) {
			return errors.New("tree node feature index out of range")
		}
	}
	dt.maxDepth = s.MaxDepth
	dt.width = s.Width
	dt.classes = s.Classes
	dt.nodes = s.Nodes
	return nil
}

func leaf(class int) []TreeNode {
	return []TreeNode{{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Class: class, IsLeaf: true}}
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int) []TreeNode {
	majority := majorityClass(labels)
	if depth >= dt.maxDepth || isPure(labels) {
		return leaf(majority)
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return leaf(majority)
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		Class:      majority,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, offsetChildren(leftNodes, 1)...)
	nodes = append(nodes, offsetChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

// offsetChildren rebases child indices of a subtree placed at position base.
func offsetChildren(nodes []TreeNode, base int) []TreeNode {
	for i := range nodes {
		if !nodes[i].IsLeaf {
			nodes[i].LeftChild += base
			nodes[i].RightChild += base
		}
	}
	return nodes
}

// findBestSplit tries the median of every feature and keeps the one with the
// lowest weighted gini impurity. Splits that leave one side empty are skipped.
func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < len(features[0]); featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := splitPoint(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	var leftFeatures, rightFeatures [][]float64
	var leftLabels, rightLabels []int
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	var leftLabels, rightLabels []int
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

// splitPoint is the median of values. With an even count the lower middle
// value is used when the midpoint would put every value on one side.
func splitPoint(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		m := (sorted[mid-1] + sorted[mid]) / 2
		if m >= sorted[len(sorted)-1] {
			return sorted[mid-1]
		}
		return m
	}
	if sorted[mid] >= sorted[len(sorted)-1] && mid > 0 {
		return sorted[mid-1]
	}
	return sorted[mid]
}

// majorityClass returns the most frequent class, lowest index on ties.
func majorityClass(labels []int) int {
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	best, bestCount := 0, -1
	for class, count := range counts {
		if count > bestCount || (count == bestCount && class < best) {
			best, bestCount = class, count
		}
	}
	return best
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
