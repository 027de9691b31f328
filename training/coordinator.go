// Package training owns model updates: it runs at most one training job per
// dataset on a bounded worker pool, persists each fitted model to the
// registry and then publishes it to the in-memory table read by predictions.
package training

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
)

// FeatureStore supplies the labeled snapshot a job trains on.
type FeatureStore interface {
	GetInstances(ctx context.Context, dsid int64) ([]ml.Instance, error)
}

// ModelRegistry is the durable dsid -> serialized model mapping.
type ModelRegistry interface {
	Put(ctx context.Context, dsid int64, blob []byte) error
	List(ctx context.Context) (map[int64][]byte, error)
}

// Recorder receives training metrics.
type Recorder interface {
	ObserveTraining(classifier, outcome string, elapsed time.Duration)
	ObserveRejected(reason string)
	SetInFlight(n int)
}

// Event types published for each job.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventSkipped   = "skipped"
	EventFailed    = "failed"
)

// Event describes a job lifecycle transition.
type Event struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	DSID       int64     `json:"dsid"`
	Classifier string    `json:"classifier"`
	Accuracy   float64   `json:"resub_accuracy"`
	Samples    int       `json:"samples"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Elapsed    float64   `json:"elapsed_seconds,omitempty"`
	Time       time.Time `json:"time"`
}

// EventSink receives job events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

// Coordinator is the only writer of the model table and the registry.
type Coordinator struct {
	store    FeatureStore
	registry ModelRegistry
	table    *Table
	pool     *WorkerPool
	logger   *zap.SugaredLogger
	recorder Recorder
	events   EventSink

	storeTimeout time.Duration
	now          func() time.Time

	mu    sync.Mutex
	slots map[int64]string // dsid -> running job id
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithEvents publishes job events to sink.
func WithEvents(sink EventSink) Option {
	return func(c *Coordinator) { c.events = sink }
}

// WithStoreTimeout bounds each store call made from inside a job.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.storeTimeout = d }
}

// WithClock replaces time.Now for trained_at stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store FeatureStore, registry ModelRegistry, table *Table, pool *WorkerPool, logger *zap.SugaredLogger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Coordinator{
		store:        store,
		registry:     registry,
		table:        table,
		pool:         pool,
		logger:       logger.Named("training"),
		storeTimeout: 30 * time.Second,
		now:          time.Now,
		slots:        make(map[int64]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestUpdate retrains the model for dsid with the given classifier and
// waits for the result. The reported accuracy is resubstitution accuracy:
// the model is scored on the same instances it was fitted on, so it measures
// training-set fit rather than generalisation. It is -1 when dsid has no
// labeled instances, in which case nothing is trained and any model already
// published for dsid stays in place.
//
// If ctx ends first the ctx error is returned, but the job is not cancelled.
func (c *Coordinator) RequestUpdate(ctx context.Context, dsid int64, kind ml.Kind) (Result, error) {
	job, err := c.Submit(ctx, dsid, kind)
	if err != nil {
		return Result{}, err
	}
	return job.Wait(ctx)
}

// Submit starts a training job and returns its future without waiting.
func (c *Coordinator) Submit(ctx context.Context, dsid int64, kind ml.Kind) (*Job, error) {
	if dsid < 0 {
		return nil, errors.NewInvalidRequestError("dsid must be non-negative, got %d", dsid)
	}
	if !ml.Supported(kind) {
		c.rejected("unsupported_classifier")
		return nil, errors.Wrapf(errors.ErrUnsupportedClassifier, "classifier code %d", int(kind))
	}

	job := newJob(dsid, kind)
	if running, ok := c.acquire(dsid, job.ID); !ok {
		c.rejected("already_training")
		err := errors.Wrapf(errors.ErrAlreadyTraining, "dsid %d", dsid)
		return nil, errors.WithDetailf(err, "running job: %s", running)
	}
	job.run = func() (Result, error) { return c.runJob(job) }

	if err := c.pool.Submit(ctx, job); err != nil {
		c.release(dsid, job.ID)
		return nil, err
	}
	c.logger.Debugw("Training job queued", "job_id", job.ID, "dsid", dsid, "classifier", kind.String())
	return job, nil
}

// acquire claims the slot for dsid. On failure it returns the id of the job
// holding it.
func (c *Coordinator) acquire(dsid int64, jobID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running, busy := c.slots[dsid]; busy {
		return running, false
	}
	c.slots[dsid] = jobID
	c.setInFlight(len(c.slots))
	return "", true
}

func (c *Coordinator) release(dsid int64, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[dsid] == jobID {
		delete(c.slots, dsid)
	}
	c.setInFlight(len(c.slots))
}

// InFlight lists the datasets with a running job.
func (c *Coordinator) InFlight() []int64 {
	c.mu.Lock()
	out := make([]int64, 0, len(c.slots))
	for dsid := range c.slots {
		out = append(out, dsid)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// runJob is the job body as executed on a pool worker. The slot is released
// before the result is delivered, so a caller that sees the result can
// immediately submit again.
func (c *Coordinator) runJob(job *Job) (res Result, err error) {
	start := c.now()
	c.emit(Event{Type: EventStarted, JobID: job.ID, DSID: job.DSID, Classifier: job.Kind.String()})

	defer func() {
		if r := recover(); r != nil {
			res = Result{Accuracy: -1}
			err = errors.MarkTrainingFailed(errors.Newf("training panicked: %v", r))
		}
		c.release(job.DSID, job.ID)
		c.finish(job, res, err, c.now().Sub(start))
	}()

	return c.train(job)
}

func (c *Coordinator) train(job *Job) (Result, error) {
	dsid := job.DSID

	readCtx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	instances, err := c.store.GetInstances(readCtx, dsid)
	cancel()
	if err != nil {
		err = errors.MarkStoreUnavailable(errors.Wrapf(err, "read instances for dsid %d", dsid))
		return Result{Accuracy: -1}, errors.MarkTrainingFailed(err)
	}
	if len(instances) == 0 {
		return Result{Accuracy: -1, Skipped: true}, nil
	}

	clf, err := ml.New(job.Kind)
	if err != nil {
		return Result{Accuracy: -1}, err
	}
	features, labels := ml.Split(instances)
	if err := clf.Fit(features, labels); err != nil {
		return Result{Accuracy: -1}, errors.MarkTrainingFailed(
			errors.Wrapf(err, "fit %s on dsid %d", job.Kind, dsid))
	}
	accuracy, err := ml.ResubstitutionAccuracy(clf, features, labels)
	if err != nil {
		return Result{Accuracy: -1}, errors.MarkTrainingFailed(
			errors.Wrapf(err, "score %s on dsid %d", job.Kind, dsid))
	}

	trainedAt := c.now().UTC()
	blob, err := ml.Encode(clf, ml.Envelope{TrainedAt: trainedAt, Accuracy: accuracy, Samples: len(instances)})
	if err != nil {
		return Result{Accuracy: -1}, errors.MarkTrainingFailed(errors.Wrapf(err, "serialize model for dsid %d", dsid))
	}

	// registry first: the table must never be ahead of durable storage
	writeCtx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	err = c.registry.Put(writeCtx, dsid, blob)
	cancel()
	if err != nil {
		return Result{Accuracy: -1}, errors.MarkTrainingFailed(errors.Wrapf(err, "persist model for dsid %d", dsid))
	}

	c.table.Publish(&Model{
		DSID:      dsid,
		Kind:      job.Kind,
		TrainedAt: trainedAt,
		Accuracy:  accuracy,
		Samples:   len(instances),
		Blob:      blob,
	})
	return Result{Accuracy: accuracy, Samples: len(instances)}, nil
}

func (c *Coordinator) finish(job *Job, res Result, err error, elapsed time.Duration) {
	ev := Event{
		JobID:      job.ID,
		DSID:       job.DSID,
		Classifier: job.Kind.String(),
		Accuracy:   res.Accuracy,
		Samples:    res.Samples,
		Elapsed:    elapsed.Seconds(),
	}
	outcome := EventCompleted
	switch {
	case err != nil:
		outcome = EventFailed
		ev.Error = err.Error()
		ev.ErrorKind = errors.KindOf(err)
		c.logger.Errorw("Training failed", "job_id", job.ID, "dsid", job.DSID,
			"classifier", job.Kind.String(), "kind", ev.ErrorKind, "error", err)
	case res.Skipped:
		outcome = EventSkipped
		c.logger.Infow("Training skipped, no labeled instances", "job_id", job.ID, "dsid", job.DSID)
	default:
		c.logger.Infow("Model published", "job_id", job.ID, "dsid", job.DSID,
			"classifier", job.Kind.String(), "resub_accuracy", res.Accuracy,
			"samples", res.Samples, "elapsed", elapsed)
	}
	ev.Type = outcome
	c.emit(ev)
	if c.recorder != nil {
		c.recorder.ObserveTraining(job.Kind.String(), outcome, elapsed)
	}
}

func (c *Coordinator) emit(ev Event) {
	if c.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.now().UTC()
	}
	c.events.Publish(ev)
}

func (c *Coordinator) rejected(reason string) {
	if c.recorder != nil {
		c.recorder.ObserveRejected(reason)
	}
}

func (c *Coordinator) setInFlight(n int) {
	if c.recorder != nil {
		c.recorder.SetInFlight(n)
	}
}

// Hydrate publishes every model in the registry. Entries that cannot be
// decoded are logged and skipped. It returns the number of models loaded.
func (c *Coordinator) Hydrate(ctx context.Context) (int, error) {
	blobs, err := c.registry.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list registry models")
	}

	dsids := make([]int64, 0, len(blobs))
	for dsid := range blobs {
		dsids = append(dsids, dsid)
	}
	sort.Slice(dsids, func(i, j int) bool { return dsids[i] < dsids[j] })

	loaded := 0
	for _, dsid := range dsids {
		blob := blobs[dsid]
		_, env, err := ml.Decode(blob)
		if err != nil {
			c.logger.Warnw("Skipping unreadable model", "dsid", dsid, "error", err)
			continue
		}
		c.table.Publish(&Model{
			DSID:      dsid,
			Kind:      env.Kind,
			TrainedAt: env.TrainedAt,
			Accuracy:  env.Accuracy,
			Samples:   env.Samples,
			Blob:      blob,
		})
		loaded++
	}
	c.logger.Infow("Model table hydrated", "models", loaded, "registry_entries", len(blobs))
	return loaded, nil
}
