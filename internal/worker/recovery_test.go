package worker

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/models"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
)

type failingListStore struct {
	ports.JobStore
}

func (failingListStore) List(ctx context.Context, f ports.ListFilter) ([]*models.Job, error) {
	return nil, stderrors.New("disk on fire")
}

func newRecovery(store ports.JobStore, d *Dispatcher, n *recordingNotifier, ceiling RetryCeiling) *Recovery {
	cfg := RecoveryConfig{
		Store:      store,
		Dispatcher: d,
		Ceiling:    ceiling,
		Log:        logger.NewNop(),
	}
	if n != nil {
		cfg.Notifier = n
	}
	return NewRecovery(cfg)
}

func TestRecoveryRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	hook := validRequest()
	hook.WebhookURL = "https://hooks.example.com/done"

	seedJob(t, store, "job_pending", base, models.StatePending, validRequest())
	seedJob(t, store, "job_running", base.Add(1*time.Minute), models.StateRunning, validRequest())

	exhausted := seedJob(t, store, "job_uploading", base.Add(2*time.Minute), models.StateUploading, hook)
	exhausted.AttemptCount = 2
	require.NoError(t, store.Put(ctx, exhausted))

	seedJob(t, store, "job_done_unsent", base.Add(3*time.Minute), models.StateSucceeded, hook)
	sent := seedJob(t, store, "job_done_sent", base.Add(4*time.Minute), models.StateFailed, hook)
	sent.MarkNotified("", base.Add(5*time.Minute))
	require.NoError(t, store.Put(ctx, sent))
	seedJob(t, store, "job_cancelled", base.Add(5*time.Minute), models.StateCancelled, validRequest())

	n := &recordingNotifier{}
	d := NewDispatcher(DispatcherConfig{Store: store, Capacity: 1, Log: logger.NewNop()})
	require.False(t, d.Ready())

	rep, err := newRecovery(store, d, n, RetryCeiling{Default: 2}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, RecoveryReport{Requeued: 1, Reset: 1, Failed: 1, Renotified: 1}, rep)
	assert.True(t, d.Ready())

	running, err := store.Get(ctx, "job_running")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, running.State)
	assert.Equal(t, 1, running.AttemptCount, "reset must preserve attempt_count")
	assert.Nil(t, running.Error)

	uploading, err := store.Get(ctx, "job_uploading")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, uploading.State)
	require.NotNil(t, uploading.Error)
	assert.Equal(t, models.ErrorKindInternal, uploading.Error.Kind)
	assert.Equal(t, InterruptedMessage, uploading.Error.Message)

	assert.ElementsMatch(t, []string{"job_uploading", "job_done_unsent"}, n.calls())

	// Recovered jobs bypass the admission bound and keep created_at order.
	assert.Equal(t, 2, d.Depth())
	first, err := d.Next(ctx)
	require.NoError(t, err)
	second, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job_pending", "job_running"}, []string{first, second})

	pending, err := store.List(ctx, ports.ListFilter{States: []models.State{models.StateRunning, models.StateUploading}})
	require.NoError(t, err)
	assert.Empty(t, idsOf(pending), "no record may stay in flight after recovery")
}

func TestRecoveryCeilingByQuality(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	req4k := validRequest()
	req4k.Quality = models.Quality4K
	seedJob(t, store, "job_4k", base, models.StateRunning, req4k)
	seedJob(t, store, "job_low", base.Add(time.Second), models.StateRunning, validRequest())

	d := NewDispatcher(DispatcherConfig{Store: store, Capacity: 4, Log: logger.NewNop()})
	ceiling := RetryCeiling{Default: 3, ByQuality: map[models.Quality]int{models.Quality4K: 1}}

	rep, err := newRecovery(store, d, nil, ceiling).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reset)
	assert.Equal(t, 1, rep.Failed)

	j4k, err := store.Get(ctx, "job_4k")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, j4k.State)

	jlow, err := store.Get(ctx, "job_low")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, jlow.State)
}

func TestRecoveryRepeatedCrashesReachCeiling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedJob(t, store, "job_flaky", time.Now().Add(-time.Hour), models.StateRunning, validRequest())
	ceiling := RetryCeiling{Default: 2}

	// First restart: attempt 1 < 2, reset.
	d := NewDispatcher(DispatcherConfig{Store: store, Capacity: 4, Log: logger.NewNop()})
	_, err := newRecovery(store, d, nil, ceiling).Run(ctx)
	require.NoError(t, err)

	// The job is claimed again and the process dies mid-render.
	j, err := store.Get(ctx, "job_flaky")
	require.NoError(t, err)
	require.NoError(t, j.Transition(models.StateRunning, time.Now()))
	require.NoError(t, store.Put(ctx, j))
	assert.Equal(t, 2, j.AttemptCount)

	d = NewDispatcher(DispatcherConfig{Store: store, Capacity: 4, Log: logger.NewNop()})
	rep, err := newRecovery(store, d, nil, ceiling).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, d.Depth())

	j, err = store.Get(ctx, "job_flaky")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, j.State)
}

func TestRecoveryListErrorKeepsDispatcherClosed(t *testing.T) {
	store := failingListStore{JobStore: newTestStore(t)}
	d := NewDispatcher(DispatcherConfig{Store: store, Capacity: 4, Log: logger.NewNop()})

	_, err := newRecovery(store, d, nil, RetryCeiling{Default: 2}).Run(context.Background())
	require.Error(t, err)
	assert.False(t, d.Ready())
}
