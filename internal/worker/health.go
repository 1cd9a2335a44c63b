package worker

import (
	"context"
	"time"

	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/ports"
)

// HealthSnapshot is a point-in-time view of the subsystem.
type HealthSnapshot struct {
	Ready            bool                 `json:"ready"`
	PendingCount     int                  `json:"pending_count"`
	RunningCount     int                  `json:"running_count"`
	OldestPendingAge *float64             `json:"oldest_pending_age"`
	OldestPendingID  string               `json:"oldest_pending_id,omitempty"`
	Counts           map[models.State]int `json:"counts"`
	QueueDepth       int                  `json:"queue_depth"`
	QueueCapacity    int                  `json:"queue_capacity"`
	Slots            int                  `json:"slots"`
	Claims           []Claim              `json:"claims"`
}

// Health aggregates store contents with the dispatcher and pool's in-memory
// state. It holds no lock while reading the store.
type Health struct {
	store      ports.JobStore
	dispatcher *Dispatcher
	pool       *Pool
	now        func() time.Time
}

func NewHealth(store ports.JobStore, d *Dispatcher, p *Pool) *Health {
	return &Health{store: store, dispatcher: d, pool: p, now: time.Now}
}

// Snapshot counts records per state and reports the age in seconds of the
// oldest pending job, or nil when none is pending.
func (h *Health) Snapshot(ctx context.Context) (HealthSnapshot, error) {
	snap := HealthSnapshot{
		Counts: make(map[models.State]int, len(models.AllStates)),
		Claims: []Claim{},
	}
	for _, st := range models.AllStates {
		snap.Counts[st] = 0
	}

	if h.dispatcher != nil {
		snap.Ready = h.dispatcher.Ready()
		snap.QueueDepth = h.dispatcher.Depth()
		snap.QueueCapacity = h.dispatcher.Capacity()
	}
	if h.pool != nil {
		snap.Slots = h.pool.Slots()
		snap.Claims = h.pool.Claims()
	}

	jobs, err := h.store.List(ctx, ports.ListFilter{})
	if err != nil {
		return snap, errors.Wrap(err, "health.snapshot", "list jobs")
	}

	var oldest *models.Job
	for _, j := range jobs {
		snap.Counts[j.State]++
		switch {
		case j.State == models.StatePending:
			snap.PendingCount++
			if oldest == nil {
				// List is ordered by created_at.
				oldest = j
			}
		case j.State.IsInFlight():
			snap.RunningCount++
		}
	}

	if oldest != nil {
		age := h.now().Sub(oldest.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
		snap.OldestPendingAge = &age
		snap.OldestPendingID = oldest.ID
	}
	return snap, nil
}
