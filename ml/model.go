package ml

import (
	"fmt"

	"github.com/lidadreamer/ML-tornado/errors"
)

// Label is a class label. Uploaded labels are stored in canonical text form.
type Label string

// Instance is one labeled feature vector of a dataset.
type Instance struct {
	Feature []float64 `json:"feature"`
	Label   Label     `json:"label"`
}

// Kind identifies a classifier algorithm. The integer values are part of the
// public API (the classifier query parameter) and of the persisted envelope.
type Kind int

const (
	KNearestNeighbors Kind = 0
	SupportVector     Kind = 1
	DecisionTreeKind  Kind = 2

	// DefaultKind is used when a request names no classifier.
	DefaultKind = SupportVector
)

func (k Kind) String() string {
	if e, ok := lookup(k); ok {
		return e.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Classifier is the capability every algorithm implements. Fit replaces any
// previous state. A fitted classifier must not be mutated by Predict, so a
// decoded instance can serve concurrent predictions.
type Classifier interface {
	Kind() Kind
	Fit(features [][]float64, labels []Label) error
	Predict(features [][]float64) ([]Label, error)
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Split separates instances into the feature matrix and label vector Fit expects.
func Split(instances []Instance) ([][]float64, []Label) {
	features := make([][]float64, len(instances))
	labels := make([]Label, len(instances))
	for i, inst := range instances {
		features[i] = inst.Feature
		labels[i] = inst.Label
	}
	return features, labels
}

// ResubstitutionAccuracy predicts the training features with the fitted
// classifier and returns the fraction that match their own labels. It measures
// how well the model fits its training set, not how well it generalises.
func ResubstitutionAccuracy(c Classifier, features [][]float64, labels []Label) (float64, error) {
	if len(labels) == 0 {
		return 0, errors.New("no labels to score")
	}
	predicted, err := c.Predict(features)
	if err != nil {
		return 0, err
	}
	if len(predicted) != len(labels) {
		return 0, errors.Newf("predicted %d labels for %d instances", len(predicted), len(labels))
	}
	var correct int
	for i := range labels {
		if predicted[i] == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}
