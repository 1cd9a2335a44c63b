// Package notify delivers signed completion webhooks for terminal jobs.
package notify

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"reel/internal/metrics"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
)

type Config struct {
	Signer      Signer
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Notifier runs at most one delivery sequence per job at a time. A sequence
// ends with notified=true on the record, whether delivery succeeded or every
// attempt failed.
type Notifier struct {
	store   ports.JobStore
	client  *http.Client
	cfg     Config
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
	jitter  func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(store ports.JobStore, client *http.Client, cfg Config, m *metrics.Metrics, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		store:    store,
		client:   client,
		cfg:      cfg,
		metrics:  m,
		log:      log.WithComponent("notifier"),
		now:      time.Now,
		jitter:   rand.Float64,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Notify starts a delivery sequence for jobID in the background unless one is
// already running. It never blocks on the network.
func (n *Notifier) Notify(jobID string) {
	n.mu.Lock()
	if _, busy := n.inflight[jobID]; busy {
		n.mu.Unlock()
		return
	}
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		n.log.Warn("notifier stopped, delivery deferred to next start", "job_id", jobID)
		return
	}
	n.inflight[jobID] = struct{}{}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.inflight, jobID)
			n.mu.Unlock()
		}()
		n.deliver(n.ctx, jobID)
	}()
}

// Drain waits for running sequences until ctx is done, then aborts them.
// Aborted sequences leave notified=false and are picked up by recovery.
func (n *Notifier) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return errors.WrapWithCode(ctx.Err(), errors.CodeTimeout, "notifier.drain", "aborted webhook deliveries")
	}
}

func (n *Notifier) deliver(ctx context.Context, jobID string) {
	log := n.log.WithJobID(jobID)

	job, err := n.store.Get(ctx, jobID)
	if err != nil {
		log.Error("load job for webhook failed", "error", err.Error())
		return
	}
	if !job.NeedsNotification() {
		return
	}

	payload := NewPayload(job)
	url := job.Request.WebhookURL

	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		lastErr = Send(ctx, n.client, url, n.cfg.Signer, payload, n.now())
		if lastErr == nil {
			n.metrics.Webhook(metrics.WebhookDelivered)
			log.Info("webhook delivered", "attempt", attempt, "state", string(job.State))
			n.markNotified(log, jobID, "")
			return
		}
		if ctx.Err() != nil {
			log.Warn("webhook delivery aborted", "attempt", attempt)
			return
		}

		n.metrics.Webhook(metrics.WebhookRetry)
		if attempt == n.cfg.MaxAttempts {
			break
		}
		wait := n.backoff(attempt)
		log.Warn("webhook delivery failed, retrying",
			"attempt", attempt,
			"max_attempts", n.cfg.MaxAttempts,
			"retry_in_ms", wait.Milliseconds(),
			"error", lastErr.Error(),
		)
		select {
		case <-ctx.Done():
			log.Warn("webhook delivery aborted", "attempt", attempt)
			return
		case <-time.After(wait):
		}
	}

	n.metrics.Webhook(metrics.WebhookAbandoned)
	log.Error("webhook abandoned", "attempts", n.cfg.MaxAttempts, "error", lastErr.Error())
	n.markNotified(log, jobID, lastErr.Error())
}

// backoff returns base*2^(attempt-1) scaled by a jitter in [0.5, 1.5),
// capped at BackoffMax.
func (n *Notifier) backoff(attempt int) time.Duration {
	d := float64(n.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	d *= 0.5 + n.jitter()
	if n.cfg.BackoffMax > 0 && d > float64(n.cfg.BackoffMax) {
		d = float64(n.cfg.BackoffMax)
	}
	return time.Duration(d)
}

func (n *Notifier) markNotified(log *logger.Logger, jobID, deliveryErr string) {
	ctx := context.WithoutCancel(n.ctx)

	job, err := n.store.Get(ctx, jobID)
	if err != nil {
		log.Error("reload job after webhook failed", "error", err.Error())
		return
	}
	if job.Notified {
		return
	}
	job.MarkNotified(deliveryErr, n.now())
	if err := n.store.Put(ctx, job); err != nil {
		log.Error("persist notified flag failed", "error", err.Error())
	}
}

// Pending reports the number of running delivery sequences.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inflight)
}
