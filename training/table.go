package training

import (
	"sort"
	"sync"
	"time"

	"github.com/lidadreamer/ML-tornado/ml"
)

// Model is a published trained model. Values are never modified after
// Publish; a newer training replaces the pointer in the table instead, so a
// reader holding a *Model keeps a complete, valid value.
type Model struct {
	DSID      int64     `json:"dsid"`
	Kind      ml.Kind   `json:"classifier"`
	TrainedAt time.Time `json:"trained_at"`
	Accuracy  float64   `json:"resub_accuracy"`
	Samples   int       `json:"samples"`
	// Version increases with every publish in this process. It identifies
	// the exact model a cached decoded classifier belongs to.
	Version uint64 `json:"version"`
	// Blob is the serialized envelope as written to the registry.
	Blob []byte `json:"-"`
}

// Table maps dsid to the most recently published model. The lock is held
// only for map access and the pointer swap.
type Table struct {
	mu      sync.RWMutex
	models  map[int64]*Model
	version uint64
}

func NewTable() *Table {
	return &Table{models: make(map[int64]*Model)}
}

// Get returns the current model for dsid.
func (t *Table) Get(dsid int64) (*Model, bool) {
	t.mu.RLock()
	m, ok := t.models[dsid]
	t.mu.RUnlock()
	return m, ok
}

// Publish makes m the current model for m.DSID and returns it with its
// version assigned. m must not be modified by the caller afterwards.
func (t *Table) Publish(m *Model) *Model {
	t.mu.Lock()
	t.version++
	m.Version = t.version
	t.models[m.DSID] = m
	t.mu.Unlock()
	return m
}

// Snapshot returns the current models ordered by dsid.
func (t *Table) Snapshot() []*Model {
	t.mu.RLock()
	out := make([]*Model, 0, len(t.models))
	for _, m := range t.models {
		out = append(out, m)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DSID < out[j].DSID })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.models)
}
