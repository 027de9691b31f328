package training

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lidadreamer/ML-tornado/errors"
	"github.com/lidadreamer/ML-tornado/ml"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("worker pool stopped")

// Result is what a finished training job reports.
type Result struct {
	JobID string `json:"job_id"`
	// Accuracy is the resubstitution accuracy, or -1 when the dataset had no
	// labeled instances and nothing was trained.
	Accuracy float64 `json:"resubAccuracy"`
	Samples  int     `json:"samples"`
	Skipped  bool    `json:"skipped"`
}

// Job is a training job and the future holding its outcome.
type Job struct {
	ID        string
	DSID      int64
	Kind      ml.Kind
	Submitted time.Time

	run    func() (Result, error)
	done   chan struct{}
	result Result
	err    error
}

func newJob(dsid int64, kind ml.Kind) *Job {
	return &Job{
		ID:        uuid.NewString(),
		DSID:      dsid,
		Kind:      kind,
		Submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends. A ctx ending does not stop
// the job; it keeps running and still publishes its model.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return Result{JobID: j.ID}, errors.Wrapf(ctx.Err(), "waiting for training job %s", j.ID)
	}
}

// execute runs the job body. A panic is turned into a training failure so it
// can never take down a worker.
func (j *Job) execute() {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			j.result = Result{JobID: j.ID}
			j.err = errors.MarkTrainingFailed(errors.Newf("training job panicked: %v", r))
		}
	}()
	j.result, j.err = j.run()
	j.result.JobID = j.ID
}

// WorkerPool runs training jobs on a fixed number of goroutines. Its size
// bounds how many fits run at once across all datasets.
type WorkerPool struct {
	jobs    chan *Job
	workers int
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize.
func NewWorkerPool(workers, queueSize int, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &WorkerPool{
		jobs:    make(chan *Job, queueSize),
		workers: workers,
		logger:  logger.Named("pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Infow("Worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.logger.Debugw("Executing job", "worker", id, "job_id", job.ID, "dsid", job.DSID,
			"queued_for", time.Since(job.Submitted))
		job.execute()
	}
}

// Submit queues job, waiting for queue space until ctx ends.
func (p *WorkerPool) Submit(ctx context.Context, job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "queue training job")
	}
}

// Workers returns the pool size.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Queued returns the number of jobs waiting for a worker.
func (p *WorkerPool) Queued() int {
	return len(p.jobs)
}

// Stop rejects new jobs, lets queued and running jobs finish, and waits for
// the workers to exit.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Infow("Worker pool stopped")
}
