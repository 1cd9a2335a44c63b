package worker

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"reel/internal/metrics"
	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/worker/processor"
)

// JobProcessor runs one claimed job to completion.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) (*models.Job, error)
}

// Source hands out queued job ids.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// Requeuer takes back an id a slot popped but could not claim.
type Requeuer interface {
	Requeue(jobID string, priority int)
}

// Claim is a slot's ownership of a job.
type Claim struct {
	Slot  int       `json:"slot"`
	JobID string    `json:"job_id"`
	Since time.Time `json:"since"`
}

type PoolConfig struct {
	Slots     int
	Source    Source
	Processor JobProcessor
	// Requeue receives ids whose claim was not persisted. Without it they are
	// left for the next recovery pass.
	Requeue   Requeuer
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Now       func() time.Time
}

// Pool runs a fixed number of slots, each processing one job at a time.
type Pool struct {
	slots   int
	source  Source
	proc    JobProcessor
	requeue Requeuer
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time

	mu     sync.Mutex
	claims map[string]Claim

	wg        sync.WaitGroup
	stopClaim context.CancelFunc
	hardStop  context.CancelFunc
	started   bool
}

func NewPool(cfg PoolConfig) *Pool {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	slots := cfg.Slots
	if slots <= 0 {
		slots = 1
	}
	return &Pool{
		slots:   slots,
		source:  cfg.Source,
		proc:    cfg.Processor,
		requeue: cfg.Requeue,
		metrics: cfg.Metrics,
		log:     log.WithComponent("worker"),
		now:     now,
		claims:  make(map[string]Claim),
	}
}

// Start launches the slots. The slots do not inherit ctx cancellation; only
// Stop ends them. ctx supplies values such as the logger.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	base := context.WithoutCancel(ctx)
	claimCtx, stopClaim := context.WithCancel(base)
	workCtx, hardStop := context.WithCancel(base)
	p.stopClaim, p.hardStop = stopClaim, hardStop

	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.runSlot(claimCtx, workCtx, i)
	}
	p.log.Info("worker pool started", "slots", p.slots)
}

// Stop stops claiming new jobs and waits for in-flight jobs until ctx is
// done. It then cancels the remaining jobs, which are left running or
// uploading for recovery, and waits for their slots to exit.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	stopClaim, hardStop := p.stopClaim, p.hardStop
	p.mu.Unlock()

	stopClaim()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hardStop()
		p.log.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		active := p.Claims()
		p.log.Warn("drain deadline reached, interrupting jobs", "active", len(active))
		hardStop()
		<-done
		return errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "pool.stop", "interrupted in-flight jobs").
			WithField("interrupted", len(active))
	}
}

func (p *Pool) runSlot(claimCtx, workCtx context.Context, slot int) {
	defer p.wg.Done()
	log := p.log.WithSlot(slot)

	for {
		jobID, err := p.source.Next(claimCtx)
		if err != nil {
			if claimCtx.Err() != nil {
				log.Debug("slot stopping")
				return
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-claimCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !p.claim(slot, jobID) {
			log.Warn("job already claimed by another slot", "job_id", jobID)
			continue
		}
		requeue, priority := p.process(workCtx, slot, jobID)
		p.release(jobID)
		// After release, so the slot that pops it again can claim it.
		if requeue {
			p.requeue.Requeue(jobID, priority)
		}
	}
}

// process runs one claimed job. It reports whether the id must be queued
// again, and at which priority.
func (p *Pool) process(ctx context.Context, slot int, jobID string) (requeue bool, priority int) {
	jobCtx := logger.ContextWithSlot(logger.ContextWithJobID(ctx, jobID), slot)
	jobLog := p.log.FromContext(jobCtx)

	jobLog.Info("processing job")
	startTime := time.Now()

	job, err := p.proc.ProcessJob(jobCtx, jobID)
	switch {
	case stderrors.Is(err, processor.ErrInterrupted):
		jobLog.Warn("job interrupted", "duration_ms", time.Since(startTime).Milliseconds())
	case stderrors.Is(err, processor.ErrClaimFailed):
		if p.requeue == nil {
			jobLog.Error("claim failed, job left for recovery", "error", err.Error())
			return false, 0
		}
		if job != nil {
			priority = job.Request.Priority
		}
		jobLog.Warn("claim failed, requeueing job", "error", err.Error())
		return true, priority
	case errors.IsCode(err, errors.CodeFailedPrecond):
		jobLog.Info("job skipped", "reason", errors.GetMessage(err))
	case err != nil:
		jobLog.Error("job processing error",
			"error", err.Error(),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
	default:
		jobLog.Info("job completed",
			"state", string(job.State),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
	}
	return false, 0
}

func (p *Pool) claim(slot int, jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.claims[jobID]; held {
		return false
	}
	p.claims[jobID] = Claim{Slot: slot, JobID: jobID, Since: p.now().UTC()}
	p.metrics.SlotBusy(1)
	return true
}

func (p *Pool) release(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claims, jobID)
	p.metrics.SlotBusy(-1)
}

// Claims returns a copy of the claim table ordered by slot.
func (p *Pool) Claims() []Claim {
	p.mu.Lock()
	out := make([]Claim, 0, len(p.claims))
	for _, c := range p.claims {
		out = append(out, c)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Slots returns the pool size.
func (p *Pool) Slots() int { return p.slots }

// Busy reports whether a slot currently holds jobID.
func (p *Pool) Busy(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, held := p.claims[jobID]
	return held
}
