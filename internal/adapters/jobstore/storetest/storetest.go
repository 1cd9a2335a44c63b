// Package storetest holds behaviour tests shared by every ports.JobStore.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/ports"
)

// Run exercises store against the JobStore contract. newStore must return an
// empty store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) ports.JobStore) {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t)
		j := models.NewJob("job_a", models.Request{ScriptReference: "x.py", Quality: models.QualityLow, WebhookURL: "https://h.example/cb"}, base)
		require.NoError(t, s.Put(ctx, j))

		got, err := s.Get(ctx, "job_a")
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, models.StatePending, got.State)
		assert.Equal(t, j.Request, got.Request)
		assert.True(t, j.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := newStore(t)
		j := models.NewJob("job_a", models.Request{ScriptReference: "x.py", Quality: models.QualityLow}, base)
		require.NoError(t, s.Put(ctx, j))

		require.NoError(t, j.Transition(models.StateRunning, base.Add(time.Second)))
		require.NoError(t, j.Transition(models.StateUploading, base.Add(2*time.Second)))
		require.NoError(t, j.Succeed(models.Result{URL: "https://cdn/x.mp4", ObjectKey: "renders/job_a/x.mp4", SizeBytes: 42}, base.Add(3*time.Second)))
		require.NoError(t, s.Put(ctx, j))

		got, err := s.Get(ctx, "job_a")
		require.NoError(t, err)
		assert.Equal(t, models.StateSucceeded, got.State)
		assert.Equal(t, 1, got.AttemptCount)
		require.NotNil(t, got.Result)
		assert.Equal(t, "https://cdn/x.mp4", got.Result.URL)
		assert.Nil(t, got.Error)
	})

	t.Run("get unknown is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "job_missing")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("list orders by created_at then id and filters", func(t *testing.T) {
		s := newStore(t)
		mk := func(id string, offset time.Duration, st models.State) {
			j := models.NewJob(id, models.Request{ScriptReference: "x.py", Quality: models.QualityLow}, base.Add(offset))
			j.State = st
			require.NoError(t, s.Put(ctx, j))
		}
		mk("job_c", 2*time.Second, models.StatePending)
		mk("job_b", time.Second, models.StateRunning)
		mk("job_a2", 0, models.StatePending)
		mk("job_a1", 0, models.StateFailed)

		all, err := s.List(ctx, ports.ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"job_a1", "job_a2", "job_b", "job_c"}, ids(all))

		pending, err := s.List(ctx, ports.ListFilter{States: []models.State{models.StatePending}})
		require.NoError(t, err)
		assert.Equal(t, []string{"job_a2", "job_c"}, ids(pending))

		limited, err := s.List(ctx, ports.ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("concurrent puts on distinct ids", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				j := models.NewJob(fmt.Sprintf("job_%02d", i), models.Request{ScriptReference: "x.py", Quality: models.QualityLow}, base)
				assert.NoError(t, s.Put(ctx, j))
			}(i)
		}
		wg.Wait()

		all, err := s.List(ctx, ports.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 16)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func ids(jobs []*models.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
