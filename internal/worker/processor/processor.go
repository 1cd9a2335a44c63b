package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"reel/internal/metrics"
	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/worker/renderer"
)

var (
	// ErrInterrupted means the pool context was cancelled mid-job. The record
	// is left running or uploading for the next recovery pass.
	ErrInterrupted = stderrors.New("job interrupted by shutdown")

	// ErrClaimFailed means the pending -> running write did not reach the
	// store. The record is still pending and the id must be queued again.
	ErrClaimFailed = stderrors.New("job claim not persisted")

	errDeadline = stderrors.New("deadline exceeded")
)

const (
	defaultPersistAttempts = 3
	defaultPersistBackoff  = 250 * time.Millisecond
)

// Notifier is told about jobs that reached a terminal state.
type Notifier interface {
	Notify(jobID string)
}

// Timeouts bounds each collaborator call.
type Timeouts struct {
	Render          time.Duration
	RenderByQuality map[models.Quality]time.Duration
	Upload          time.Duration
}

// RenderFor returns the render deadline for q.
func (t Timeouts) RenderFor(q models.Quality) time.Duration {
	if d, ok := t.RenderByQuality[q]; ok && d > 0 {
		return d
	}
	return t.Render
}

type Deps struct {
	Store    ports.JobStore
	Renderer renderer.Client
	Uploader Uploader
	Inputs   *InputHandler
	Cleanup  *Cleanup
	Notifier Notifier
	Timeouts Timeouts
	Metrics  *metrics.Metrics
	Log      *logger.Logger
	Now      func() time.Time

	// PersistAttempts and PersistBackoff bound the retries of a failed
	// record write.
	PersistAttempts int
	PersistBackoff  time.Duration
}

// Processor drives one job through running -> uploading -> terminal.
type Processor struct {
	store    ports.JobStore
	renderer renderer.Client
	uploader Uploader
	inputs   *InputHandler
	cleanup  *Cleanup
	notifier Notifier
	timeouts Timeouts
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	persistAttempts int
	persistBackoff  time.Duration
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	attempts := d.PersistAttempts
	if attempts <= 0 {
		attempts = defaultPersistAttempts
	}
	backoff := d.PersistBackoff
	if backoff <= 0 {
		backoff = defaultPersistBackoff
	}
	return &Processor{
		store:    d.Store,
		renderer: d.Renderer,
		uploader: d.Uploader,
		inputs:   d.Inputs,
		cleanup:  d.Cleanup,
		notifier: d.Notifier,
		timeouts: d.Timeouts,
		metrics:  d.Metrics,
		log:      log.WithComponent("processor"),
		now:      now,

		persistAttempts: attempts,
		persistBackoff:  backoff,
	}
}

// ProcessJob claims a pending job and runs it to a terminal state. The caller
// must already hold the job in the pool's claim table. It returns the last
// persisted record. A job no longer pending is returned with a
// FAILED_PRECONDITION error and left untouched; a claim that could not be
// written returns ErrClaimFailed. A later write that fails leaves the record
// in flight for recovery.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx = logger.ContextWithJobID(ctx, jobID)
	log := p.log.FromContext(ctx)

	// 1. pending -> running
	job, err := p.transition(ctx, jobID, models.StatePending, func(j *models.Job) error {
		return j.Transition(models.StateRunning, p.now())
	})
	if errors.IsCode(err, errors.CodeFailedPrecond) {
		return job, err
	}
	if err != nil {
		log.Error("claim not persisted", "error", err.Error())
		return job, fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	log.Info("job claimed", "attempt", job.AttemptCount, "quality", job.Request.Quality)

	// 2. Preparar workspace
	ws, err := p.inputs.Materialize(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return job, ErrInterrupted
		}
		return p.fail(ctx, jobID, models.StateRunning, models.ErrorKindInternal, err.Error())
	}

	// 3. Renderizar
	renderTimeout := p.timeouts.RenderFor(job.Request.Quality)
	start := time.Now()
	art, err := callWithDeadline(ctx, renderTimeout, func(c context.Context) (renderer.Artifact, error) {
		return p.renderer.Render(c, renderer.Input{
			JobID:      job.ID,
			ScriptPath: ws.ScriptPath,
			SceneName:  job.Request.SceneName,
			Quality:    job.Request.Quality,
			WorkDir:    ws.Dir,
		})
	})
	p.metrics.ObserveRender(job.Request.Quality, time.Since(start))
	switch {
	case stderrors.Is(err, ErrInterrupted):
		log.Warn("render interrupted, leaving job for recovery")
		return job, ErrInterrupted
	case stderrors.Is(err, errDeadline):
		return p.fail(ctx, jobID, models.StateRunning, models.ErrorKindTimeout,
			fmt.Sprintf("render exceeded %s", renderTimeout))
	case err != nil:
		return p.fail(ctx, jobID, models.StateRunning, models.ErrorKindRender, err.Error())
	}
	log.Info("render completed", "duration_ms", time.Since(start).Milliseconds(), "size_bytes", art.SizeBytes)

	// 4. running -> uploading
	job, err = p.transition(ctx, jobID, models.StateRunning, func(j *models.Job) error {
		return j.Transition(models.StateUploading, p.now())
	})
	if err != nil {
		p.leaveForRecovery(ctx, models.StateUploading, err)
		return job, err
	}

	// 5. Subir
	start = time.Now()
	res, err := callWithDeadline(ctx, p.timeouts.Upload, func(c context.Context) (models.Result, error) {
		return p.uploader.Upload(c, job.ID, job.Request.Quality, art)
	})
	p.metrics.ObserveUpload(time.Since(start))
	switch {
	case stderrors.Is(err, ErrInterrupted):
		log.Warn("upload interrupted, leaving job for recovery")
		return job, ErrInterrupted
	case stderrors.Is(err, errDeadline):
		return p.fail(ctx, jobID, models.StateUploading, models.ErrorKindTimeout,
			fmt.Sprintf("upload exceeded %s", p.timeouts.Upload))
	case err != nil:
		return p.fail(ctx, jobID, models.StateUploading, models.ErrorKindUpload, err.Error())
	}

	// 6. uploading -> succeeded
	job, err = p.transition(ctx, jobID, models.StateUploading, func(j *models.Job) error {
		return j.Succeed(res, p.now())
	})
	if err != nil {
		p.leaveForRecovery(ctx, models.StateSucceeded, err)
		return job, err
	}
	log.Info("job succeeded", "url", res.URL)
	p.finish(job)
	return job, nil
}

// transition re-reads the record, checks it is still in from, applies mutate
// and persists. Persistence ignores cancellation of ctx.
func (p *Processor) transition(ctx context.Context, jobID string, from models.State, mutate func(*models.Job) error) (*models.Job, error) {
	pctx := context.WithoutCancel(ctx)

	job, err := p.store.Get(pctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "processor.transition", "reload job")
	}
	if job.State != from {
		return job, errors.FailedPrecondition(fmt.Sprintf("job is %s, expected %s", job.State, from)).
			WithField("job_id", jobID)
	}
	if err := mutate(job); err != nil {
		return job, err
	}
	if err := p.persist(ctx, job); err != nil {
		return job, errors.Wrap(err, "processor.transition", "persist job").
			WithField("job_id", jobID).
			WithField("state", string(job.State))
	}
	return job, nil
}

// persist writes job, retrying with a linear backoff. After a failed write
// the store is re-read, since the write may have landed anyway. Retries stop
// early when ctx is cancelled.
func (p *Processor) persist(ctx context.Context, job *models.Job) error {
	pctx := context.WithoutCancel(ctx)

	var err error
	for attempt := 1; ; attempt++ {
		if err = p.store.Put(pctx, job); err == nil {
			return nil
		}
		if stored, gerr := p.store.Get(pctx, job.ID); gerr == nil && job.SameVersion(stored) {
			return nil
		}
		if attempt >= p.persistAttempts {
			return err
		}
		p.log.FromContext(ctx).Warn("job write failed, retrying",
			"attempt", attempt,
			"state", string(job.State),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.persistBackoff * time.Duration(attempt)):
		}
	}
}

// leaveForRecovery logs a record stuck in flight after its next write failed.
// The next recovery pass resets or fails it.
func (p *Processor) leaveForRecovery(ctx context.Context, target models.State, err error) {
	if errors.IsCode(err, errors.CodeFailedPrecond) {
		return
	}
	p.log.FromContext(ctx).Error("job record left in flight for recovery",
		"target_state", string(target),
		"error", err.Error(),
	)
}

func (p *Processor) fail(ctx context.Context, jobID string, from models.State, kind models.ErrorKind, msg string) (*models.Job, error) {
	log := p.log.FromContext(ctx)

	job, err := p.transition(ctx, jobID, from, func(j *models.Job) error {
		return j.Fail(kind, msg, p.now())
	})
	if err != nil {
		log.Error("failed to record job failure", "kind", string(kind), "message", msg, "error", err.Error())
		p.leaveForRecovery(ctx, models.StateFailed, err)
		return job, err
	}

	log.Error("job failed", "kind", string(kind), "message", job.Error.Message)
	p.finish(job)
	return job, nil
}

// finish runs after a terminal transition has been persisted.
func (p *Processor) finish(job *models.Job) {
	p.metrics.JobFinished(job.State, errorKind(job))
	if err := p.cleanup.CleanupJob(job.ID); err != nil {
		p.log.WithJobID(job.ID).Warn("work directory cleanup failed", "error", err.Error())
	}
	if p.notifier != nil && job.NeedsNotification() {
		p.notifier.Notify(job.ID)
	}
}

func errorKind(j *models.Job) models.ErrorKind {
	if j.Error == nil {
		return ""
	}
	return j.Error.Kind
}

// callWithDeadline runs fn with a deadline of d (none if d <= 0) and returns
// as soon as fn finishes or the deadline passes, whichever is first. fn keeps
// running in the background if it ignores its context. A cancelled parent
// yields ErrInterrupted; an expired deadline yields errDeadline.
func callWithDeadline[T any](parent context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		ctx, cancel = context.WithTimeout(parent, d)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err == nil {
			return r.v, nil
		}
		if parent.Err() != nil {
			return zero, ErrInterrupted
		}
		if ctx.Err() == context.DeadlineExceeded {
			return zero, errDeadline
		}
		return zero, r.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return zero, ErrInterrupted
		}
		return zero, errDeadline
	}
}
