package worker

import (
	"context"
	"time"

	"reel/internal/metrics"
	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/worker/processor"
)

// InterruptedMessage is recorded on jobs failed by recovery.
const InterruptedMessage = "interrupted by restart"

// RetryCeiling is the number of claims a job may use before an interrupted
// attempt fails it instead of resetting it.
type RetryCeiling struct {
	Default   int
	ByQuality map[models.Quality]int
}

// For returns the ceiling for q.
func (c RetryCeiling) For(q models.Quality) int {
	if n, ok := c.ByQuality[q]; ok {
		return n
	}
	return c.Default
}

type RecoveryReport struct {
	Requeued   int `json:"requeued"`
	Reset      int `json:"reset"`
	Failed     int `json:"failed"`
	Renotified int `json:"renotified"`
}

type RecoveryConfig struct {
	Store      ports.JobStore
	Dispatcher *Dispatcher
	Notifier   processor.Notifier
	Ceiling    RetryCeiling
	Metrics    *metrics.Metrics
	Log        *logger.Logger
	Now        func() time.Time
}

// Recovery reconciles persisted records with an empty in-memory queue after a
// restart. It must run before any slot starts claiming.
type Recovery struct {
	store      ports.JobStore
	dispatcher *Dispatcher
	notifier   processor.Notifier
	ceiling    RetryCeiling
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time
}

func NewRecovery(cfg RecoveryConfig) *Recovery {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recovery{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		notifier:   cfg.Notifier,
		ceiling:    cfg.Ceiling,
		metrics:    cfg.Metrics,
		log:        log.WithComponent("recovery"),
		now:        now,
	}
}

// Run scans every record once, then marks the dispatcher ready. On error the
// dispatcher stays closed.
func (r *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport

	jobs, err := r.store.List(ctx, ports.ListFilter{})
	if err != nil {
		return rep, errors.Wrap(err, "recovery.run", "list jobs")
	}

	for _, job := range jobs {
		switch {
		case job.State == models.StatePending:
			r.dispatcher.restore(job.ID, job.Request.Priority)
			rep.Requeued++

		case job.State.IsInFlight():
			reset, err := r.recoverInFlight(ctx, job)
			if err != nil {
				return rep, err
			}
			if reset {
				rep.Reset++
			} else {
				rep.Failed++
			}

		case job.NeedsNotification():
			if r.notifier != nil {
				r.notifier.Notify(job.ID)
				rep.Renotified++
			}
		}
	}

	r.metrics.Recovery(metrics.RecoveryRequeued, rep.Requeued)
	r.metrics.Recovery(metrics.RecoveryReset, rep.Reset)
	r.metrics.Recovery(metrics.RecoveryFailed, rep.Failed)
	r.metrics.Recovery(metrics.RecoveryRenotified, rep.Renotified)

	r.dispatcher.MarkReady()
	r.log.Info("recovery complete",
		"scanned", len(jobs),
		"requeued", rep.Requeued,
		"reset", rep.Reset,
		"failed", rep.Failed,
		"renotified", rep.Renotified,
	)
	return rep, nil
}

// recoverInFlight resets job to pending if it has attempts left, otherwise
// fails it. It reports whether the job was reset.
func (r *Recovery) recoverInFlight(ctx context.Context, job *models.Job) (bool, error) {
	log := r.log.WithJobID(job.ID)
	ceiling := r.ceiling.For(job.Request.Quality)

	if job.AttemptCount < ceiling {
		from := job.State
		if err := job.ResetForRetry(r.now()); err != nil {
			return false, err
		}
		if err := r.store.Put(ctx, job); err != nil {
			return false, errors.Wrap(err, "recovery.reset", "persist job").WithField("job_id", job.ID)
		}
		r.dispatcher.restore(job.ID, job.Request.Priority)
		log.Warn("interrupted job reset for retry",
			"from_state", string(from),
			"attempt", job.AttemptCount,
			"ceiling", ceiling,
		)
		return true, nil
	}

	if err := job.Fail(models.ErrorKindInternal, InterruptedMessage, r.now()); err != nil {
		return false, err
	}
	if err := r.store.Put(ctx, job); err != nil {
		return false, errors.Wrap(err, "recovery.fail", "persist job").WithField("job_id", job.ID)
	}
	r.metrics.JobFinished(job.State, models.ErrorKindInternal)
	log.Error("interrupted job failed at retry ceiling",
		"attempt", job.AttemptCount,
		"ceiling", ceiling,
	)
	if r.notifier != nil && job.NeedsNotification() {
		r.notifier.Notify(job.ID)
	}
	return false, nil
}
