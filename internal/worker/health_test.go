package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/models"
	"reel/internal/pkg/logger"
)

func TestHealthSnapshot(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedJob(t, store, "job_old", base, models.StatePending, validRequest())
	seedJob(t, store, "job_new", base.Add(time.Minute), models.StatePending, validRequest())
	seedJob(t, store, "job_run", base.Add(2*time.Minute), models.StateRunning, validRequest())
	seedJob(t, store, "job_up", base.Add(3*time.Minute), models.StateUploading, validRequest())
	seedJob(t, store, "job_ok", base.Add(4*time.Minute), models.StateSucceeded, validRequest())

	d := NewDispatcher(DispatcherConfig{Store: store, Capacity: 10, Log: logger.NewNop()})
	p := NewPool(PoolConfig{Slots: 2, Log: logger.NewNop(), Now: func() time.Time { return base }})
	require.True(t, p.claim(1, "job_run"))

	h := NewHealth(store, d, p)
	h.now = func() time.Time { return base.Add(90 * time.Second) }

	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.Ready)
	assert.Equal(t, 2, snap.PendingCount)
	assert.Equal(t, 2, snap.RunningCount)
	require.NotNil(t, snap.OldestPendingAge)
	assert.InDelta(t, 90.0, *snap.OldestPendingAge, 0.001)
	assert.Equal(t, "job_old", snap.OldestPendingID)
	assert.Equal(t, 1, snap.Counts[models.StateSucceeded])
	assert.Equal(t, 0, snap.Counts[models.StateFailed])
	assert.Equal(t, 10, snap.QueueCapacity)
	assert.Equal(t, 2, snap.Slots)
	require.Len(t, snap.Claims, 1)
	assert.Equal(t, Claim{Slot: 1, JobID: "job_run", Since: base}, snap.Claims[0])
}

func TestHealthSnapshotEmpty(t *testing.T) {
	h := NewHealth(newTestStore(t), nil, nil)

	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.OldestPendingAge)
	assert.Equal(t, 0, snap.PendingCount)
	assert.NotNil(t, snap.Claims)
}
