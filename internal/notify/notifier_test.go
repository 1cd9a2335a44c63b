package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reel/internal/adapters/jobstore/fsstore"
	"reel/internal/models"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
)

const testSecret = "whsec_test_primary"

func newStore(t *testing.T) ports.JobStore {
	t.Helper()
	s, err := fsstore.Open(t.TempDir(), logger.NewNop())
	require.NoError(t, err)
	return s
}

func seedTerminal(t *testing.T, store ports.JobStore, id, url string, failed bool) *models.Job {
	t.Helper()
	now := time.Now().Add(-time.Minute)
	j := models.NewJob(id, models.Request{
		ScriptReference: "intro",
		Quality:         models.QualityLow,
		WebhookURL:      url,
	}, now)
	require.NoError(t, j.Transition(models.StateRunning, now.Add(time.Second)))
	if failed {
		require.NoError(t, j.Fail(models.ErrorKindRender, "scene crashed", now.Add(2*time.Second)))
	} else {
		require.NoError(t, j.Transition(models.StateUploading, now.Add(2*time.Second)))
		require.NoError(t, j.Succeed(models.Result{URL: "https://cdn.example.com/a.mp4"}, now.Add(3*time.Second)))
	}
	require.NoError(t, store.Put(context.Background(), j))
	return j
}

func newTestNotifier(store ports.JobStore, attempts int, base time.Duration) *Notifier {
	n := New(store, BuildPlainClient(5*time.Second), Config{
		Signer:      Signer{Secret: testSecret},
		MaxAttempts: attempts,
		BackoffBase: base,
		BackoffMax:  time.Second,
	}, nil, logger.NewNop())
	return n
}

func drain(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Drain(ctx))
}

func TestSendSignsPayload(t *testing.T) {
	var (
		gotTS, gotSig, gotSecondary, gotJob string
		gotBody                             []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get(HeaderTimestamp)
		gotSig = r.Header.Get(HeaderSignature)
		gotSecondary = r.Header.Get(HeaderSignatureSecondary)
		gotJob = r.Header.Get(HeaderJobID)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	now := time.Unix(1760000000, 0)
	p := Payload{JobID: "job_1", State: models.StateSucceeded, AttemptCount: 1, UpdatedAt: now.UTC()}
	err := Send(context.Background(), BuildPlainClient(time.Second), srv.URL,
		Signer{Secret: testSecret, SecondarySecret: "whsec_old"}, p, now)
	require.NoError(t, err)

	assert.Equal(t, strconv.FormatInt(now.Unix(), 10), gotTS)
	assert.Equal(t, Sign(testSecret, gotTS, gotBody), gotSig)
	assert.Equal(t, Sign("whsec_old", gotTS, gotBody), gotSecondary)
	assert.Equal(t, "job_1", gotJob)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "job_1", decoded["job_id"])
	assert.Equal(t, "succeeded", decoded["state"])
	assert.NotContains(t, decoded, "error")
}

func TestSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := Send(context.Background(), BuildPlainClient(time.Second), srv.URL, Signer{Secret: "x"}, Payload{JobID: "j"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSendDoesNotFollowRedirects(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	err := Send(context.Background(), BuildPlainClient(time.Second), srv.URL, Signer{Secret: "x"}, Payload{JobID: "j"}, time.Now())
	require.Error(t, err)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSafeClientBlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	err := Send(context.Background(), BuildSafeClient(time.Second), srv.URL, Signer{Secret: "x"}, Payload{JobID: "j"}, time.Now())
	require.Error(t, err)
}

func TestNotifyDeliversExactlyOnce(t *testing.T) {
	var hits atomic.Int32
	var gotState atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			gotState.Store(string(p.State))
		}
		time.Sleep(20 * time.Millisecond)
	}))
	defer srv.Close()

	store := newStore(t)
	seedTerminal(t, store, "job_fail", srv.URL, true)
	n := newTestNotifier(store, 3, time.Millisecond)

	for i := 0; i < 5; i++ {
		n.Notify("job_fail")
	}
	drain(t, n)

	// A later call finds notified=true and does nothing.
	n2 := newTestNotifier(store, 3, time.Millisecond)
	n2.Notify("job_fail")
	drain(t, n2)

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "failed", gotState.Load())

	j, err := store.Get(context.Background(), "job_fail")
	require.NoError(t, err)
	assert.True(t, j.Notified)
	assert.Empty(t, j.NotifyError)
	assert.NotNil(t, j.NotifiedAt)
	assert.Equal(t, models.StateFailed, j.State)
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	store := newStore(t)
	seedTerminal(t, store, "job_ok", srv.URL, false)
	n := newTestNotifier(store, 5, time.Millisecond)

	n.Notify("job_ok")
	drain(t, n)

	assert.Equal(t, int32(3), hits.Load())
	j, err := store.Get(context.Background(), "job_ok")
	require.NoError(t, err)
	assert.True(t, j.Notified)
	assert.Empty(t, j.NotifyError)
}

func TestNotifyAbandonsAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newStore(t)
	seedTerminal(t, store, "job_ok", srv.URL, false)
	n := newTestNotifier(store, 3, time.Millisecond)

	n.Notify("job_ok")
	drain(t, n)

	assert.Equal(t, int32(3), hits.Load())
	j, err := store.Get(context.Background(), "job_ok")
	require.NoError(t, err)
	assert.True(t, j.Notified, "abandoned delivery still ends the sequence")
	assert.Contains(t, j.NotifyError, "500")
	assert.Equal(t, models.StateSucceeded, j.State)
}

func TestNotifyIgnoresNonTerminalJob(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	store := newStore(t)
	j := models.NewJob("job_pending", models.Request{ScriptReference: "x", Quality: models.QualityLow, WebhookURL: srv.URL}, time.Now())
	require.NoError(t, store.Put(context.Background(), j))

	n := newTestNotifier(store, 3, time.Millisecond)
	n.Notify("job_pending")
	drain(t, n)

	assert.Equal(t, int32(0), hits.Load())
}

func TestDrainAbortsBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newStore(t)
	seedTerminal(t, store, "job_slow", srv.URL, false)
	n := New(store, BuildPlainClient(time.Second), Config{
		Signer:      Signer{Secret: testSecret},
		MaxAttempts: 5,
		BackoffBase: time.Hour,
		BackoffMax:  time.Hour,
	}, nil, logger.NewNop())

	n.Notify("job_slow")
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, n.Drain(ctx))
	assert.Equal(t, 0, n.Pending())

	j, err := store.Get(context.Background(), "job_slow")
	require.NoError(t, err)
	assert.False(t, j.Notified, "interrupted sequence is left for recovery")

	// Stopped notifiers refuse new work.
	n.Notify("job_slow")
	assert.Equal(t, 0, n.Pending())
}

func TestBackoff(t *testing.T) {
	n := New(nil, nil, Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second, MaxAttempts: 5}, nil, logger.NewNop())
	n.jitter = func() float64 { return 0.5 }

	assert.Equal(t, time.Second, n.backoff(1))
	assert.Equal(t, 2*time.Second, n.backoff(2))
	assert.Equal(t, 8*time.Second, n.backoff(4))
	assert.Equal(t, 10*time.Second, n.backoff(5))

	n.jitter = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, n.backoff(1))
}
