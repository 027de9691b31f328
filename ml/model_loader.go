package ml

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lidadreamer/ML-tornado/errors"
)

type registration struct {
	name    string
	factory func() Classifier
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]registration)
)

func init() {
	Register(KNearestNeighbors, "knn", func() Classifier { return NewKNN(3) })
	Register(SupportVector, "svc", func() Classifier { return NewSVC() })
	Register(DecisionTreeKind, "tree", func() Classifier { return NewDecisionTree(10) })
}

// Register makes a classifier available under kind. Registering a kind twice
// replaces the earlier factory.
func Register(kind Kind, name string, factory func() Classifier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = registration{name: name, factory: factory}
}

func lookup(kind Kind) (registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[kind]
	return r, ok
}

// Supported reports whether kind has a registered classifier.
func Supported(kind Kind) bool {
	_, ok := lookup(kind)
	return ok
}

// Kinds lists the registered kinds in ascending order.
func Kinds() []Kind {
	registryMu.RLock()
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	registryMu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New returns a fresh, untrained classifier of the given kind.
func New(kind Kind) (Classifier, error) {
	r, ok := lookup(kind)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupportedClassifier, "classifier code %d", int(kind))
	}
	return r.factory(), nil
}

// Envelope is the persisted form of a trained classifier. Kind is embedded so
// the blob can be decoded without any outside metadata.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Name      string          `json:"name"`
	TrainedAt time.Time       `json:"trained_at"`
	Accuracy  float64         `json:"resub_accuracy"`
	Samples   int             `json:"samples"`
	State     json.RawMessage `json:"state"`
}

// Encode serialises a fitted classifier together with the metadata in meta.
// meta.Kind, meta.Name and meta.State are overwritten.
func Encode(c Classifier, meta Envelope) ([]byte, error) {
	state, err := c.MarshalState()
	if err != nil {
		return nil, errors.Wrap(err, "marshal classifier state")
	}
	r, ok := lookup(c.Kind())
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupportedClassifier, "classifier code %d", int(c.Kind()))
	}
	meta.Kind = c.Kind()
	meta.Name = r.name
	meta.State = state
	return json.Marshal(meta)
}

// DecodeEnvelope parses the envelope without rebuilding the classifier.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.Wrap(err, "decode model envelope")
	}
	if len(env.State) == 0 {
		return env, errors.New("model envelope has no state")
	}
	return env, nil
}

// Decode rebuilds the classifier stored in data. Every call returns a new
// instance that shares nothing with the classifier that was encoded.
func Decode(data []byte) (Classifier, Envelope, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, env, err
	}
	c, err := New(env.Kind)
	if err != nil {
		return nil, env, err
	}
	if err := c.UnmarshalState(env.State); err != nil {
		return nil, env, errors.Wrapf(err, "restore %s state", env.Name)
	}
	return c, env, nil
}
