package ml

import (
	"math"
	"sort"

	"github.com/lidadreamer/ML-tornado/errors"
)

var errNotTrained = errors.New("model not trained")

// checkTrainingSet validates a training matrix and returns its width.
func checkTrainingSet(features [][]float64, labels []Label) (int, error) {
	if len(features) == 0 || len(labels) == 0 {
		return 0, errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return 0, errors.Newf("features and labels size mismatch: %d != %d", len(features), len(labels))
	}
	width := len(features[0])
	if width == 0 {
		return 0, errors.New("feature vectors are empty")
	}
	for i, f := range features {
		if len(f) != width {
			return 0, errors.Newf("feature %d has %d values, expected %d", i, len(f), width)
		}
		for _, v := range f {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, errors.Newf("feature %d contains a non-finite value", i)
			}
		}
	}
	return width, nil
}

// checkQuery validates feature vectors passed to Predict.
func checkQuery(features [][]float64, width int) error {
	for i, f := range features {
		if len(f) != width {
			return errors.Newf("feature %d has %d values, model expects %d", i, len(f), width)
		}
	}
	return nil
}

// encodeLabels maps labels to dense indices into the sorted class list.
func encodeLabels(labels []Label) (classes []Label, indices []int) {
	seen := make(map[Label]struct{})
	for _, l := range labels {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			classes = append(classes, l)
		}
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	pos := make(map[Label]int, len(classes))
	for i, c := range classes {
		pos[c] = i
	}
	indices = make([]int, len(labels))
	for i, l := range labels {
		indices[i] = pos[l]
	}
	return classes, indices
}

// featureVariance is the variance of every value in the matrix, flattened.
func featureVariance(features [][]float64) float64 {
	var n, sum, sumSq float64
	for _, f := range features {
		for _, v := range f {
			n++
			sum += v
			sumSq += v * v
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

func squaredDistance(a, b []float64) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}
