package ml

import (
	"encoding/json"
	"math"

	"github.com/lidadreamer/ML-tornado/errors"
)

// SVC is a support vector classifier with an RBF kernel. Multi-class problems
// are decomposed one-vs-one; every pair of classes gets its own binary machine
// trained with sequential minimal optimisation and the final label is decided
// by majority vote.
type SVC struct {
	C         float64
	Tol       float64
	MaxPasses int
	MaxIter   int

	gamma    float64
	width    int
	classes  []Label
	machines []binaryMachine
}

type binaryMachine struct {
	Pos     int         `json:"pos"`
	Neg     int         `json:"neg"`
	Vectors [][]float64 `json:"vectors"`
	Coef    []float64   `json:"coef"`
	Bias    float64     `json:"bias"`
}

type svcState struct {
	C        float64         `json:"c"`
	Gamma    float64         `json:"gamma"`
	Width    int             `json:"width"`
	Classes  []Label         `json:"classes"`
	Machines []binaryMachine `json:"machines"`
}

// NewSVC returns an untrained classifier with C=1 and gamma derived from the
// training data as 1 / (n_features * Var(X)).
func NewSVC() *SVC {
	return &SVC{C: 1.0, Tol: 1e-3, MaxPasses: 3, MaxIter: 1000}
}

func (m *SVC) Kind() Kind { return SupportVector }

func (m *SVC) Fit(features [][]float64, labels []Label) error {
	width, err := checkTrainingSet(features, labels)
	if err != nil {
		return err
	}
	classes, idx := encodeLabels(labels)
	if len(classes) < 2 {
		return errors.Newf("svc needs at least two classes, got %d", len(classes))
	}

	gamma := 1.0
	if v := featureVariance(features); v > 0 {
		gamma = 1.0 / (float64(width) * v)
	}

	machines := make([]binaryMachine, 0, len(classes)*(len(classes)-1)/2)
	for a := 0; a < len(classes); a++ {
		for b := a + 1; b < len(classes); b++ {
			var x [][]float64
			var y []float64
			for i, c := range idx {
				switch c {
				case a:
					x = append(x, features[i])
					y = append(y, 1)
				case b:
					x = append(x, features[i])
					y = append(y, -1)
				}
			}
			alpha, bias := m.smo(x, y, gamma)

			bm := binaryMachine{Pos: a, Neg: b, Bias: bias}
			for i, al := range alpha {
				if al > 1e-8 {
					bm.Vectors = append(bm.Vectors, append([]float64(nil), x[i]...))
					bm.Coef = append(bm.Coef, al*y[i])
				}
			}
			machines = append(machines, bm)
		}
	}

	m.gamma = gamma
	m.width = width
	m.classes = classes
	m.machines = machines
	return nil
}

// smo solves the dual problem for one binary machine. Labels in y are +1/-1.
func (m *SVC) smo(x [][]float64, y []float64, gamma float64) ([]float64, float64) {
	n := len(x)
	kernel := make([][]float64, n)
	for i := range x {
		kernel[i] = make([]float64, n)
		for j := 0; j <= i; j++ {
			v := rbf(x[i], x[j], gamma)
			kernel[i][j] = v
			kernel[j][i] = v
		}
	}

	alpha := make([]float64, n)
	var b float64
	// errs[k] = f(x_k) - y_k, kept current after every step
	errs := make([]float64, n)
	for k := range errs {
		errs[k] = -y[k]
	}

	step := func(i, j int) bool {
		if i == j {
			return false
		}
		ai, aj := alpha[i], alpha[j]
		var lo, hi float64
		if y[i] != y[j] {
			lo, hi = math.Max(0, aj-ai), math.Min(m.C, m.C+aj-ai)
		} else {
			lo, hi = math.Max(0, ai+aj-m.C), math.Min(m.C, ai+aj)
		}
		if hi-lo < 1e-12 {
			return false
		}
		eta := 2*kernel[i][j] - kernel[i][i] - kernel[j][j]
		if eta >= 0 {
			return false
		}
		ajNew := aj - y[j]*(errs[i]-errs[j])/eta
		ajNew = math.Min(hi, math.Max(lo, ajNew))
		if math.Abs(ajNew-aj) < 1e-8 {
			return false
		}
		aiNew := ai + y[i]*y[j]*(aj-ajNew)

		di, dj := aiNew-ai, ajNew-aj
		b1 := b - errs[i] - y[i]*di*kernel[i][i] - y[j]*dj*kernel[i][j]
		b2 := b - errs[j] - y[i]*di*kernel[i][j] - y[j]*dj*kernel[j][j]
		var bNew float64
		switch {
		case aiNew > 0 && aiNew < m.C:
			bNew = b1
		case ajNew > 0 && ajNew < m.C:
			bNew = b2
		default:
			bNew = (b1 + b2) / 2
		}

		for k := range errs {
			errs[k] += y[i]*di*kernel[i][k] + y[j]*dj*kernel[j][k] + bNew - b
		}
		alpha[i], alpha[j], b = aiNew, ajNew, bNew
		return true
	}

	passes, iter := 0, 0
	for passes < m.MaxPasses && iter < m.MaxIter {
		changed := 0
		for i := 0; i < n; i++ {
			r := y[i] * errs[i]
			if !((r < -m.Tol && alpha[i] < m.C) || (r > m.Tol && alpha[i] > 0)) {
				continue
			}
			// second choice: the partner with the largest error gap, then
			// every other point in order until one makes progress
			best, gap := -1, -1.0
			for k := 0; k < n; k++ {
				if k != i && math.Abs(errs[i]-errs[k]) > gap {
					best, gap = k, math.Abs(errs[i]-errs[k])
				}
			}
			if best >= 0 && step(i, best) {
				changed++
				continue
			}
			for off := 1; off < n; off++ {
				if step(i, (i+off)%n) {
					changed++
					break
				}
			}
		}
		iter++
		if changed == 0 {
			passes++
		} else {
			passes = 0
		}
	}
	return alpha, b
}

func rbf(a, b []float64, gamma float64) float64 {
	return math.Exp(-gamma * squaredDistance(a, b))
}

func (bm *binaryMachine) decision(x []float64, gamma float64) float64 {
	s := bm.Bias
	for i, v := range bm.Vectors {
		s += bm.Coef[i] * rbf(v, x, gamma)
	}
	return s
}

func (m *SVC) Predict(features [][]float64) ([]Label, error) {
	if len(m.machines) == 0 {
		return nil, errNotTrained
	}
	if err := checkQuery(features, m.width); err != nil {
		return nil, err
	}
	out := make([]Label, len(features))
	votes := make([]int, len(m.classes))
	for i, f := range features {
		for c := range votes {
			votes[c] = 0
		}
		for j := range m.machines {
			bm := &m.machines[j]
			if bm.decision(f, m.gamma) >= 0 {
				votes[bm.Pos]++
			} else {
				votes[bm.Neg]++
			}
		}
		best := 0
		for c := 1; c < len(votes); c++ {
			if votes[c] > votes[best] {
				best = c
			}
		}
		out[i] = m.classes[best]
	}
	return out, nil
}

func (m *SVC) MarshalState() ([]byte, error) {
	if len(m.machines) == 0 {
		return nil, errNotTrained
	}
	return json.Marshal(svcState{
		C:        m.C,
		Gamma:    m.gamma,
		Width:    m.width,
		Classes:  m.classes,
		Machines: m.machines,
	})
}

func (m *SVC) UnmarshalState(data []byte) error {
	var s svcState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Classes) < 2 || len(s.Machines) == 0 || s.Width <= 0 {
		return errors.New("svc state is empty or inconsistent")
	}
	for _, bm := range s.Machines {
		if bm.Pos >= len(s.Classes) || bm.Neg >= len(s.Classes) || len(bm.Vectors) != len(bm.Coef) {
			return errors.New("svc machine refers to unknown class")
		}
	}
	m.C = s.C
	m.gamma = s.Gamma
	m.width = s.Width
	m.classes = s.Classes
	m.machines = s.Machines
	return nil
}
