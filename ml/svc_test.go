package ml

import (
	"testing"
)

func clusters() ([][]float64, []Label) {
	features := [][]float64{
		{0, 0}, {0.2, 0.1}, {0.1, 0.3},
		{5, 5}, {5.2, 4.9}, {4.8, 5.1},
		{0, 5}, {0.1, 5.2}, {0.3, 4.9},
	}
	labels := []Label{"a", "a", "a", "b", "b", "b", "c", "c", "c"}
	return features, labels
}

func TestSVCTwoPoints(t *testing.T) {
	features := [][]float64{{0, 0}, {1, 1}}
	labels := []Label{"a", "b"}

	model := NewSVC()
	if err := model.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc, err := ResubstitutionAccuracy(model, features, labels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc != 1.0 {
		t.Fatalf("expected accuracy 1.0, got %v", acc)
	}
}

func TestSVCMultiClass(t *testing.T) {
	features, labels := clusters()

	model := NewSVC()
	if err := model.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := model.Predict([][]float64{{0.1, 0.1}, {5, 5}, {0.2, 5}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Label{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prediction %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestSVCNeedsTwoClasses(t *testing.T) {
	model := NewSVC()
	err := model.Fit([][]float64{{0}, {1}}, []Label{"same", "same"})
	if err == nil {
		t.Fatal("expected error for single-class training set")
	}
}

func TestSVCStateRoundTrip(t *testing.T) {
	features, labels := clusters()

	model := NewSVC()
	if err := model.Fit(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err := model.MarshalState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	restored := NewSVC()
	if err := restored.UnmarshalState(state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	queries := [][]float64{{2.5, 2.5}, {0, 2.5}, {2.5, 5}, {1, 1}}
	want, _ := model.Predict(queries)
	got, err := restored.Predict(queries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("query %d differs after restore: %s != %s", i, got[i], want[i])
		}
	}
}
