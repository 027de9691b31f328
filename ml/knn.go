package ml

import (
	"encoding/json"
	"sort"

	"github.com/lidadreamer/ML-tornado/errors"
)

// KNN is a k-nearest-neighbours classifier using Euclidean distance and
// uniform weights. Fitting stores the training set.
type KNN struct {
	k        int
	features [][]float64
	labels   []Label
}

type knnState struct {
	K        int         `json:"k"`
	Features [][]float64 `json:"features"`
	Labels   []Label     `json:"labels"`
}

// NewKNN returns an untrained classifier voting over k neighbours.
func NewKNN(k int) *KNN {
	if k <= 0 {
		k = 3
	}
	return &KNN{k: k}
}

func (m *KNN) Kind() Kind { return KNearestNeighbors }

func (m *KNN) Fit(features [][]float64, labels []Label) error {
	if _, err := checkTrainingSet(features, labels); err != nil {
		return err
	}
	m.features = make([][]float64, len(features))
	for i, f := range features {
		m.features[i] = append([]float64(nil), f...)
	}
	m.labels = append([]Label(nil), labels...)
	return nil
}

func (m *KNN) Predict(features [][]float64) ([]Label, error) {
	if len(m.features) == 0 {
		return nil, errNotTrained
	}
	if err := checkQuery(features, len(m.features[0])); err != nil {
		return nil, err
	}
	out := make([]Label, len(features))
	for i, f := range features {
		out[i] = m.predictOne(f)
	}
	return out, nil
}

type neighbour struct {
	dist  float64
	index int
}

// predictOne takes a majority vote among the min(k, n) closest training
// points. A tied vote goes to the label whose closest member is nearest.
func (m *KNN) predictOne(query []float64) Label {
	neighbours := make([]neighbour, len(m.features))
	for i, f := range m.features {
		neighbours[i] = neighbour{dist: squaredDistance(f, query), index: i}
	}
	sort.SliceStable(neighbours, func(i, j int) bool { return neighbours[i].dist < neighbours[j].dist })

	k := m.k
	if k > len(neighbours) {
		k = len(neighbours)
	}
	votes := make(map[Label]int, k)
	best := 0
	for _, n := range neighbours[:k] {
		votes[m.labels[n.index]]++
		if votes[m.labels[n.index]] > best {
			best = votes[m.labels[n.index]]
		}
	}
	for _, n := range neighbours[:k] {
		if votes[m.labels[n.index]] == best {
			return m.labels[n.index]
		}
	}
	return m.labels[neighbours[0].index]
}

func (m *KNN) MarshalState() ([]byte, error) {
	if len(m.features) == 0 {
		return nil, errNotTrained
	}
	return json.Marshal(knnState{K: m.k, Features: m.features, Labels: m.labels})
}

func (m *KNN) UnmarshalState(data []byte) error {
	var s knnState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Features) == 0 || len(s.Features) != len(s.Labels) {
		return errors.New("knn state is empty or inconsistent")
	}
	m.k = s.K
	if m.k <= 0 {
		m.k = 3
	}
	m.features = s.Features
	m.labels = s.Labels
	return nil
}
