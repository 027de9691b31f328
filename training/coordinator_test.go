package training

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
)

type memStore struct {
	mu      sync.Mutex
	data    map[int64][]ml.Instance
	reads   atomic.Int32
	entered chan int64
	gate    chan struct{}
	err     error
	panics  bool
}

func newMemStore() *memStore {
	return &memStore{data: make(map[int64][]ml.Instance)}
}

func (s *memStore) add(dsid int64, feature []float64, label ml.Label) {
	s.mu.Lock()
	s.data[dsid] = append(s.data[dsid], ml.Instance{Feature: feature, Label: label})
	s.mu.Unlock()
}

func (s *memStore) GetInstances(ctx context.Context, dsid int64) ([]ml.Instance, error) {
	s.reads.Add(1)
	if s.entered != nil {
		s.entered <- dsid
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.panics {
		panic("corrupt feature row")
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ml.Instance(nil), s.data[dsid]...), nil
}

type memRegistry struct {
	mu     sync.Mutex
	blobs  map[int64][]byte
	puts   int
	putErr error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{blobs: make(map[int64][]byte)}
}

func (r *memRegistry) Put(ctx context.Context, dsid int64, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return r.putErr
	}
	r.puts++
	r.blobs[dsid] = blob
	return nil
}

func (r *memRegistry) List(ctx context.Context) (map[int64][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64][]byte, len(r.blobs))
	for k, v := range r.blobs {
		out[k] = v
	}
	return out, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	rejected map[string]int
	inFlight int
}

func (r *countingRecorder) ObserveTraining(classifier, outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *countingRecorder) ObserveRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejected == nil {
		r.rejected = make(map[string]int)
	}
	r.rejected[reason]++
}

func (r *countingRecorder) SetInFlight(n int) {
	r.mu.Lock()
	r.inFlight = n
	r.mu.Unlock()
}

type fixture struct {
	store    *memStore
	registry *memRegistry
	table    *Table
	pool     *WorkerPool
	coord    *Coordinator
}

func newFixture(t *testing.T, workers int, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	f := &fixture{
		store:    newMemStore(),
		registry: newMemRegistry(),
		table:    NewTable(),
		pool:     NewWorkerPool(workers, 8, logger),
	}
	f.coord = NewCoordinator(f.store, f.registry, f.table, f.pool, logger, opts...)
	t.Cleanup(f.pool.Stop)
	return f
}

func predictFromTable(t *testing.T, table *Table, dsid int64, feature []float64) ml.Label {
	t.Helper()
	m, ok := table.Get(dsid)
	require.True(t, ok)
	clf, _, err := ml.Decode(m.Blob)
	require.NoError(t, err)
	out, err := clf.Predict([][]float64{feature})
	require.NoError(t, err)
	return out[0]
}

func TestRequestUpdateWithoutInstancesSkips(t *testing.T) {
	f := newFixture(t, 2)

	res, err := f.coord.RequestUpdate(context.Background(), 1, ml.SupportVector)
	require.NoError(t, err)
	assert.Equal(t, -1.0, res.Accuracy)
	assert.True(t, res.Skipped)

	_, ok := f.table.Get(1)
	assert.False(t, ok)
	assert.Zero(t, f.registry.puts)
}

func TestRequestUpdateKNNPublishes(t *testing.T) {
	f := newFixture(t, 2)
	f.store.add(2, []float64{0, 0}, "a")
	f.store.add(2, []float64{1, 1}, "b")

	res, err := f.coord.RequestUpdate(context.Background(), 2, ml.KNearestNeighbors)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Accuracy)
	assert.Equal(t, 2, res.Samples)
	assert.NotEmpty(t, res.JobID)

	m, ok := f.table.Get(2)
	require.True(t, ok)
	assert.Equal(t, ml.KNearestNeighbors, m.Kind)
	assert.Equal(t, 1.0, m.Accuracy)
	assert.Equal(t, m.Blob, f.registry.blobs[2], "table and registry hold the same model")
	assert.Equal(t, ml.Label("a"), predictFromTable(t, f.table, 2, []float64{0, 0}))
}

func TestRequestUpdateDefaultSVC(t *testing.T) {
	f := newFixture(t, 1)
	f.store.add(4, []float64{0, 0}, "low")
	f.store.add(4, []float64{0.2, 0.1}, "low")
	f.store.add(4, []float64{5, 5}, "high")
	f.store.add(4, []float64{5.2, 4.9}, "high")

	res, err := f.coord.RequestUpdate(context.Background(), 4, ml.DefaultKind)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Accuracy)
	assert.Equal(t, ml.Label("high"), predictFromTable(t, f.table, 4, []float64{4.8, 5.1}))
}

func TestSecondRequestWhileTrainingIsRejected(t *testing.T) {
	f := newFixture(t, 2)
	f.store.add(3, []float64{0}, "a")
	f.store.add(3, []float64{1}, "b")
	f.store.entered = make(chan int64, 4)
	f.store.gate = make(chan struct{})

	job, err := f.coord.Submit(context.Background(), 3, ml.KNearestNeighbors)
	require.NoError(t, err)
	<-f.store.entered

	_, err = f.coord.RequestUpdate(context.Background(), 3, ml.DecisionTreeKind)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyTraining))
	assert.Equal(t, errors.KindAlreadyTraining, errors.KindOf(err))
	assert.Equal(t, []int64{3}, f.coord.InFlight())

	close(f.store.gate)
	res, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Accuracy)
	assert.Empty(t, f.coord.InFlight())

	f.store.entered = nil
	res, err = f.coord.RequestUpdate(context.Background(), 3, ml.KNearestNeighbors)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Accuracy)
}

func TestConcurrentSubmitsAdmitOneJobPerDataset(t *testing.T) {
	f := newFixture(t, 4)
	f.store.add(7, []float64{0}, "a")
	f.store.add(7, []float64{1}, "b")
	f.store.gate = make(chan struct{})

	const callers = 32
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
		jobs     = make(chan *Job, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := f.coord.Submit(context.Background(), 7, ml.KNearestNeighbors)
			if err != nil {
				if errors.Is(err, errors.ErrAlreadyTraining) {
					rejected.Add(1)
				}
				return
			}
			admitted.Add(1)
			jobs <- job
		}()
	}
	wg.Wait()
	close(f.store.gate)
	close(jobs)

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())
	for job := range jobs {
		_, err := job.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.registry.puts)
}

func TestDifferentDatasetsTrainInParallel(t *testing.T) {
	f := newFixture(t, 2)
	for _, dsid := range []int64{10, 11} {
		f.store.add(dsid, []float64{0}, "a")
		f.store.add(dsid, []float64{1}, "b")
	}
	f.store.entered = make(chan int64, 2)
	f.store.gate = make(chan struct{})

	j1, err := f.coord.Submit(context.Background(), 10, ml.KNearestNeighbors)
	require.NoError(t, err)
	j2, err := f.coord.Submit(context.Background(), 11, ml.KNearestNeighbors)
	require.NoError(t, err)

	// both jobs reach the store before either is released
	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case dsid := <-f.store.entered:
			seen[dsid] = true
		case <-time.After(5 * time.Second):
			t.Fatal("jobs for different datasets did not run concurrently")
		}
	}
	assert.Equal(t, map[int64]bool{10: true, 11: true}, seen)
	assert.Equal(t, []int64{10, 11}, f.coord.InFlight())

	close(f.store.gate)
	_, err = j1.Wait(context.Background())
	require.NoError(t, err)
	_, err = j2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.table.Len())
}

func TestUnsupportedClassifierDoesNotReadStore(t *testing.T) {
	rec := &countingRecorder{}
	f := newFixture(t, 1, WithRecorder(rec))
	f.store.add(1, []float64{0}, "a")

	_, err := f.coord.RequestUpdate(context.Background(), 1, ml.Kind(99))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnsupportedClassifier))
	assert.Equal(t, int32(0), f.store.reads.Load())
	assert.Empty(t, f.coord.InFlight())
	assert.Equal(t, 1, rec.rejected["unsupported_classifier"])
}

func TestNegativeDatasetIsInvalid(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.coord.RequestUpdate(context.Background(), -1, ml.KNearestNeighbors)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Equal(t, int32(0), f.store.reads.Load())
}

func TestFitFailureKeepsPublishedModel(t *testing.T) {
	f := newFixture(t, 1)
	f.store.add(5, []float64{0}, "a")
	f.store.add(5, []float64{1}, "b")

	_, err := f.coord.RequestUpdate(context.Background(), 5, ml.KNearestNeighbors)
	require.NoError(t, err)
	before, _ := f.table.Get(5)

	// a single class cannot be fitted by the SVC
	f.store.mu.Lock()
	f.store.data[5] = []ml.Instance{{Feature: []float64{0}, Label: "a"}, {Feature: []float64{1}, Label: "a"}}
	f.store.mu.Unlock()

	res, err := f.coord.RequestUpdate(context.Background(), 5, ml.SupportVector)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTrainingFailed))
	assert.Equal(t, errors.KindTrainingFailed, errors.KindOf(err))
	assert.Equal(t, -1.0, res.Accuracy)

	after, _ := f.table.Get(5)
	assert.Same(t, before, after)
	assert.Equal(t, 1, f.registry.puts)
	assert.Empty(t, f.coord.InFlight(), "failed job releases its slot")

	_, err = f.coord.RequestUpdate(context.Background(), 5, ml.KNearestNeighbors)
	assert.NoError(t, err)
}

func TestRegistryFailureDoesNotPublish(t *testing.T) {
	f := newFixture(t, 1)
	f.store.add(6, []float64{0}, "a")
	f.store.add(6, []float64{1}, "b")
	f.registry.putErr = errors.MarkStoreUnavailable(errors.New("disk I/O error"))

	_, err := f.coord.RequestUpdate(context.Background(), 6, ml.KNearestNeighbors)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTrainingFailed))
	assert.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))

	_, ok := f.table.Get(6)
	assert.False(t, ok, "table must not run ahead of the registry")
	assert.Empty(t, f.coord.InFlight())
}

func TestStoreReadFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.store.err = errors.New("connection refused")

	_, err := f.coord.RequestUpdate(context.Background(), 1, ml.KNearestNeighbors)
	require.Error(t, err)
	assert.Equal(t, errors.KindStoreUnavailable, errors.KindOf(err))
	assert.Empty(t, f.coord.InFlight())
}

func TestPanicInJobIsRecovered(t *testing.T) {
	f := newFixture(t, 1)
	f.store.panics = true

	_, err := f.coord.RequestUpdate(context.Background(), 8, ml.KNearestNeighbors)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTrainingFailed))
	assert.Empty(t, f.coord.InFlight())

	f.store.panics = false
	f.store.add(8, []float64{0}, "a")
	_, err = f.coord.RequestUpdate(context.Background(), 8, ml.KNearestNeighbors)
	assert.NoError(t, err, "worker survives a panicking job")
}

func TestWaitTimeoutLeavesJobRunning(t *testing.T) {
	f := newFixture(t, 1)
	f.store.add(9, []float64{0}, "a")
	f.store.add(9, []float64{1}, "b")
	f.store.gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	job, err := f.coord.Submit(ctx, 9, ml.KNearestNeighbors)
	require.NoError(t, err)
	_, err = job.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(f.store.gate)
	<-job.Done()
	_, ok := f.table.Get(9)
	assert.True(t, ok, "abandoned wait still publishes")
}

func TestEventsAndMetrics(t *testing.T) {
	rec := &countingRecorder{}
	var (
		mu     sync.Mutex
		events []Event
	)
	sink := EventSinkFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	f := newFixture(t, 1, WithRecorder(rec), WithEvents(sink))
	f.store.add(1, []float64{0}, "a")
	f.store.add(1, []float64{1}, "b")

	_, err := f.coord.RequestUpdate(context.Background(), 1, ml.KNearestNeighbors)
	require.NoError(t, err)
	_, err = f.coord.RequestUpdate(context.Background(), 2, ml.KNearestNeighbors)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, "knn", events[1].Classifier)
	assert.Equal(t, 1.0, events[1].Accuracy)
	assert.Equal(t, EventSkipped, events[3].Type)
	assert.Equal(t, 1, rec.outcomes[EventCompleted])
	assert.Equal(t, 1, rec.outcomes[EventSkipped])
	assert.Equal(t, 0, rec.inFlight)
}

func TestHydrateRestoresRegistry(t *testing.T) {
	f := newFixture(t, 1)
	f.store.add(2, []float64{0, 0}, "a")
	f.store.add(2, []float64{1, 1}, "b")
	f.store.add(3, []float64{0}, "x")
	f.store.add(3, []float64{5}, "y")
	_, err := f.coord.RequestUpdate(context.Background(), 2, ml.KNearestNeighbors)
	require.NoError(t, err)
	_, err = f.coord.RequestUpdate(context.Background(), 3, ml.DecisionTreeKind)
	require.NoError(t, err)
	f.registry.blobs[40] = []byte(`{"kind":0}`)

	// a fresh process shares only the registry
	table := NewTable()
	restarted := NewCoordinator(newMemStore(), f.registry, table, f.pool, zaptest.NewLogger(t).Sugar())
	n, err := restarted.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, ok := table.Get(3)
	require.True(t, ok)
	assert.Equal(t, ml.DecisionTreeKind, m.Kind)
	assert.Equal(t, 2, m.Samples)
	assert.Equal(t, ml.Label("a"), predictFromTable(t, table, 2, []float64{0, 0}))
	assert.Equal(t, ml.Label("y"), predictFromTable(t, table, 3, []float64{4}))
	_, ok = table.Get(40)
	assert.False(t, ok)
}
