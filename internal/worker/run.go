package worker

import (
	"context"
	"time"

	"reel/internal/janitor"
	"reel/internal/pkg/logger"
)

// Sweeper clears stale work directories.
type Sweeper interface {
	Sweep() (janitor.Report, error)
}

// Service bundles the dispatcher, pool, recovery and health reporter around
// one job store.
type Service struct {
	Dispatcher *Dispatcher
	Pool       *Pool
	Recovery   *Recovery
	Health     *Health
	// Sweeper, when set, runs once between recovery and the pool start, so
	// no slot is working in a directory it removes.
	Sweeper Sweeper

	log *logger.Logger
}

func New(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	disp := NewDispatcher(DispatcherConfig{
		Store:    d.Store,
		Capacity: d.QueueCapacity,
		Checker:  d.Checker,
		Notifier: d.Notifier,
		Metrics:  d.Metrics,
		Log:      log,
	})
	pool := NewPool(PoolConfig{
		Slots:     d.Slots,
		Source:    disp,
		Processor: d.Processor,
		Requeue:   disp,
		Metrics:   d.Metrics,
		Log:       log,
	})
	rec := NewRecovery(RecoveryConfig{
		Store:      d.Store,
		Dispatcher: disp,
		Notifier:   d.Notifier,
		Ceiling:    d.Ceiling,
		Metrics:    d.Metrics,
		Log:        log,
	})

	return &Service{
		Dispatcher: disp,
		Pool:       pool,
		Recovery:   rec,
		Health:     NewHealth(d.Store, disp, pool),
		log:        log.WithComponent("worker"),
	}
}

// Run performs recovery, opens the dispatcher and starts the pool. The pool
// keeps running after Run returns until Stop is called.
func (s *Service) Run(ctx context.Context) (RecoveryReport, error) {
	startTime := time.Now()

	rep, err := s.Recovery.Run(ctx)
	if err != nil {
		return rep, err
	}
	if s.Sweeper != nil {
		if swept, err := s.Sweeper.Sweep(); err != nil {
			s.log.Warn("startup cleanup sweep failed", "error", err.Error())
		} else if swept.Removed > 0 {
			s.log.Info("removed stale work directories", "removed", swept.Removed)
		}
	}
	s.Pool.Start(ctx)

	s.log.Info("job subsystem running",
		"startup_ms", time.Since(startTime).Milliseconds(),
		"queue_depth", s.Dispatcher.Depth(),
	)
	return rep, nil
}

// Stop drains the pool within ctx.
func (s *Service) Stop(ctx context.Context) error {
	return s.Pool.Stop(ctx)
}
