package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"reel/internal/metrics"
	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/worker/processor"
	"reel/internal/worker/queue"
	"reel/internal/worker/util"
)

// RequestChecker validates a request against state outside the record, such
// as whether the referenced script exists.
type RequestChecker interface {
	Check(ctx context.Context, req models.Request) error
}

type DispatcherConfig struct {
	Store    ports.JobStore
	Capacity int
	Checker  RequestChecker
	Notifier processor.Notifier
	Metrics  *metrics.Metrics
	Log      *logger.Logger
	Now      func() time.Time
	NewID    func() string
}

// Dispatcher admits jobs into a bounded priority queue and hands ids to pool
// slots. It refuses submissions until MarkReady is called.
type Dispatcher struct {
	store    ports.JobStore
	queue    *queue.Queue
	capacity int
	checker  RequestChecker
	notifier processor.Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
	newID    func() string

	ready atomic.Bool

	// mu guards reserved, the admissions that passed the bound check but are
	// not yet in the queue.
	mu       sync.Mutex
	reserved int
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return util.NewID("job") }
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	d := &Dispatcher{
		store:    cfg.Store,
		queue:    queue.New(),
		capacity: capacity,
		checker:  cfg.Checker,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      log.WithComponent("dispatcher"),
		now:      now,
		newID:    newID,
	}
	cfg.Metrics.RegisterQueue(d.Depth, capacity)
	return d
}

// Submit validates req, persists a pending record and queues it. It never
// waits for the job to run.
func (d *Dispatcher) Submit(ctx context.Context, req models.Request) (string, error) {
	if err := req.Validate(); err != nil {
		d.metrics.Submission(metrics.OutcomeInvalid)
		return "", err
	}
	if !d.Ready() {
		d.metrics.Submission(metrics.OutcomeUnavailable)
		return "", errors.Unavailable("dispatcher").WithField("reason", "recovery in progress")
	}
	if d.checker != nil {
		if err := d.checker.Check(ctx, req); err != nil {
			if errors.IsValidation(err) {
				d.metrics.Submission(metrics.OutcomeInvalid)
			} else {
				d.metrics.Submission(metrics.OutcomeError)
			}
			return "", err
		}
	}

	if !d.reserve() {
		d.metrics.Submission(metrics.OutcomeOverloaded)
		d.log.FromContext(ctx).Warn("submission refused, queue full", "capacity", d.capacity)
		return "", errors.Overloaded(d.capacity)
	}
	defer d.unreserve()

	job, err := d.create(ctx, req)
	if err != nil {
		d.metrics.Submission(metrics.OutcomeError)
		return "", err
	}

	d.queue.Push(job.ID, req.Priority)
	d.metrics.Submission(metrics.OutcomeAccepted)
	d.log.FromContext(ctx).Info("job accepted",
		"job_id", job.ID,
		"quality", string(req.Quality),
		"priority", req.Priority,
		"queue_depth", d.queue.Len(),
	)
	return job.ID, nil
}

func (d *Dispatcher) reserve() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len()+d.reserved >= d.capacity {
		return false
	}
	d.reserved++
	return true
}

func (d *Dispatcher) unreserve() {
	d.mu.Lock()
	d.reserved--
	d.mu.Unlock()
}

// create persists a new pending record. The writes ignore cancellation of
// ctx: a record that lands in the store must also reach the queue.
func (d *Dispatcher) create(ctx context.Context, req models.Request) (*models.Job, error) {
	pctx := context.WithoutCancel(ctx)

	for i := 0; i < 3; i++ {
		id := d.newID()
		_, err := d.store.Get(pctx, id)
		if err == nil {
			d.log.Warn("job id collision, regenerating", "job_id", id)
			continue
		}
		if !errors.IsNotFound(err) {
			return nil, errors.Wrap(err, "dispatcher.submit", "check job id")
		}

		job := models.NewJob(id, req, d.now())
		if err := d.store.Put(pctx, job); err != nil {
			if stored, gerr := d.store.Get(pctx, id); gerr == nil && job.SameVersion(stored) {
				d.log.FromContext(ctx).Warn("job persisted despite write error", "job_id", id, "error", err.Error())
				return job, nil
			}
			return nil, errors.Wrap(err, "dispatcher.submit", "persist job")
		}
		return job, nil
	}
	return nil, errors.Internal("could not allocate a unique job id")
}

// Cancel moves a queued job to cancelled. Jobs already claimed by a slot or
// finished cannot be cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*models.Job, error) {
	job, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	priority := job.Request.Priority
	if job.State != models.StatePending || !d.queue.Remove(id) {
		return job, errors.FailedPrecondition("only queued jobs can be cancelled").
			WithField("job_id", id).
			WithField("state", string(job.State))
	}

	// The id is out of the queue, so no slot can claim it now. Any failure
	// below puts it back.
	pctx := context.WithoutCancel(ctx)
	cancelled, err := d.store.Get(pctx, id)
	if err == nil {
		err = cancelled.Transition(models.StateCancelled, d.now())
	}
	if err == nil {
		if err = d.store.Put(pctx, cancelled); err != nil {
			if stored, gerr := d.store.Get(pctx, id); gerr == nil && cancelled.SameVersion(stored) {
				err = nil
			}
		}
	}
	if err != nil {
		d.queue.Push(id, priority)
		d.log.FromContext(ctx).Warn("cancellation not persisted, job requeued", "job_id", id, "error", err.Error())
		return nil, errors.Wrap(err, "dispatcher.cancel", "persist cancellation")
	}

	d.metrics.JobFinished(cancelled.State, "")
	d.log.FromContext(ctx).Info("job cancelled", "job_id", id)
	if d.notifier != nil && cancelled.NeedsNotification() {
		d.notifier.Notify(id)
	}
	return cancelled, nil
}

// Get returns the current record.
func (d *Dispatcher) Get(ctx context.Context, id string) (*models.Job, error) {
	return d.store.Get(ctx, id)
}

// List returns records matching filter in creation order.
func (d *Dispatcher) List(ctx context.Context, filter ports.ListFilter) ([]*models.Job, error) {
	return d.store.List(ctx, filter)
}

// Next blocks until a queued id is available or ctx is done.
func (d *Dispatcher) Next(ctx context.Context) (string, error) {
	return d.queue.Pop(ctx)
}

// restore queues a recovered job regardless of the admission bound.
func (d *Dispatcher) restore(id string, priority int) {
	d.queue.Push(id, priority)
}

// Requeue hands back an id a slot popped but could not claim.
func (d *Dispatcher) Requeue(id string, priority int) {
	d.restore(id, priority)
	d.log.Warn("job requeued after failed claim", "job_id", id)
}

func (d *Dispatcher) Depth() int    { return d.queue.Len() }
func (d *Dispatcher) Capacity() int { return d.capacity }
func (d *Dispatcher) Ready() bool   { return d.ready.Load() }

// MarkReady opens the dispatcher for submissions.
func (d *Dispatcher) MarkReady() {
	if !d.ready.Swap(true) {
		d.log.Info("dispatcher ready", "queue_depth", d.queue.Len())
	}
}
