package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 >= base {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 >= 4*base {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	capped := backoffWithJitter(base, max, 40)
	if capped < max/2 || capped > max {
		t.Fatalf("backoff not capped: %s", capped)
	}
}

func TestBackoffTinyBase(t *testing.T) {
	assert.Equal(t, time.Duration(1), backoffWithJitter(1, 1, 1))
	assert.Equal(t, time.Duration(0), backoffWithJitter(0, time.Second, 2))
}

func TestQuotaDelay(t *testing.T) {
	now := testEpoch
	min, max := 5*time.Second, 5*time.Minute
	cases := []struct {
		name    string
		retryAt time.Time
		want    time.Duration
	}{
		{"unknown reset", time.Time{}, min},
		{"reset already passed", now.Add(-time.Second), min},
		{"reset soon", now.Add(time.Second), min},
		{"reset inside bounds", now.Add(42 * time.Second), 42 * time.Second},
		{"reset far away", now.Add(3 * time.Hour), max},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, quotaDelay(now, tc.retryAt, min, max))
		})
	}
}

func recordOrder(mu *sync.Mutex, order *[]int) Handler {
	return func(_ context.Context, job models.Job) (models.Payload, error) {
		mu.Lock()
		*order = append(*order, job.Priority)
		mu.Unlock()
		return models.Payload{"ok": true}, nil
	}
}

func drain(t *testing.T, p *Processor) int {
	t.Helper()
	n := 0
	for {
		worked, err := p.RunOnce(context.Background(), "w")
		require.NoError(t, err)
		if !worked {
			return n
		}
		n++
	}
}

func TestPriorityOrder(t *testing.T) {
	h := newHarness(testConfig())
	var (
		mu    sync.Mutex
		order []int
	)
	h.proc.RegisterHandler(models.JobExtractFrames, recordOrder(&mu, &order))

	h.store.add(models.JobExtractFrames, 3)
	h.store.add(models.JobExtractFrames, 9)
	h.store.add(models.JobExtractFrames, 5)

	assert.Equal(t, 3, drain(t, h.proc))
	assert.Equal(t, []int{9, 5, 3}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	h := newHarness(testConfig())
	var ids []string
	h.proc.RegisterHandler(models.JobExtractFrames, func(_ context.Context, job models.Job) (models.Payload, error) {
		ids = append(ids, job.ID)
		return nil, nil
	})
	a := h.store.add(models.JobExtractFrames, 5)
	b := h.store.add(models.JobExtractFrames, 5)
	c := h.store.add(models.JobExtractFrames, 5)

	drain(t, h.proc)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids)
}

func TestRetriesThenExhausts(t *testing.T) {
	h := newHarness(testConfig())
	calls := 0
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		calls++
		return nil, errBoom
	})
	job := h.store.add(models.JobExtractFrames, 5)

	for i := 1; i <= 3; i++ {
		worked, err := h.proc.RunOnce(context.Background(), "w")
		require.NoError(t, err)
		require.True(t, worked)

		got := h.store.get(job.ID)
		assert.Equal(t, i, got.Attempts)
		if i < 3 {
			assert.Equal(t, models.StatusPending, got.Status)
			assert.Equal(t, models.PhaseRetrying, got.Phase(h.clock.Now()))
			assert.True(t, got.ScheduledFor.After(h.clock.Now()), "retry must be scheduled in the future")
		}
		h.clock.Advance(testConfig().BackoffMax)
	}

	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, calls)

	worked, err := h.proc.RunOnce(context.Background(), "w")
	require.NoError(t, err)
	assert.False(t, worked, "failed job must never be claimed again")
}

func TestFailTwiceThenSucceed(t *testing.T) {
	h := newHarness(testConfig())
	calls := 0
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		calls++
		if calls <= 2 {
			return nil, errBoom
		}
		return models.Payload{"frames": 4}, nil
	})
	job := h.store.add(models.JobExtractFrames, 5)

	for i := 0; i < 3; i++ {
		_, err := h.proc.RunOnce(context.Background(), "w")
		require.NoError(t, err)
		h.clock.Advance(testConfig().BackoffMax)
	}

	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, models.Payload{"frames": 4}, got.Output)
}

func TestPermanentErrorFailsAtOnce(t *testing.T) {
	h := newHarness(testConfig())
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		return nil, Permanent(errors.New("video deleted"))
	})
	job := h.store.add(models.JobExtractFrames, 5)

	drain(t, h.proc)
	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, true, got.ErrorDetails["permanent"])
}

func TestMissingHandlerFailsPermanently(t *testing.T) {
	h := newHarness(testConfig())
	job := h.store.add(models.JobDownloadWorkflow, 5)

	drain(t, h.proc)
	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no handler registered")
}

func TestPanicCountsAsFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		panic("nil frame")
	})
	job := h.store.add(models.JobExtractFrames, 5)

	worked, err := h.proc.RunOnce(context.Background(), "w")
	require.NoError(t, err)
	assert.True(t, worked)
	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestErrorDetailsRecorded(t *testing.T) {
	h := newHarness(testConfig())
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		return nil, WithDetails(errors.New("ffmpeg exited 1"), models.Payload{"stderr": "no such file"})
	})
	job := h.store.add(models.JobExtractFrames, 5)

	drain(t, h.proc)
	got := h.store.get(job.ID)
	assert.Equal(t, "no such file", got.ErrorDetails["stderr"])
	assert.Equal(t, "ffmpeg exited 1", got.ErrorDetails["error"])
	assert.Equal(t, 1, got.ErrorDetails["attempt"])
}

func TestQuotaDeferralLeavesAttempts(t *testing.T) {
	h := newHarness(testConfig())
	h.ledger.set(models.APIGeminiFlash, 1, 100, 100, true)
	calls := 0
	h.proc.RegisterHandler(models.JobAnalyzeVideo, func(context.Context, models.Job) (models.Payload, error) {
		calls++
		return nil, nil
	})
	first := h.store.add(models.JobAnalyzeVideo, 5)
	second := h.store.add(models.JobAnalyzeVideo, 5)

	assert.Equal(t, 2, drain(t, h.proc))
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.StatusCompleted, h.store.get(first.ID).Status)

	got := h.store.get(second.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 1, got.Deferrals)
	assert.Equal(t, models.DeferQuota, got.DeferredReason)
	assert.Equal(t, models.PhaseWaitingQuota, got.Phase(h.clock.Now()))
	assert.Equal(t, h.clock.Now().Add(time.Minute), got.ScheduledFor, "deferral aligns to the minute reset")
}

func TestHandlerQuotaDenialDefers(t *testing.T) {
	h := newHarness(testConfig())
	cache := &fakeCache{}
	h.proc.WithDenialCache(cache)
	retryAt := h.clock.Now().Add(30 * time.Second)
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		return nil, QuotaDenied(models.APIYouTubeData, ratelimit.Decision{Reason: ratelimit.ReasonQuota, RetryAt: retryAt})
	})
	h.proc.RegisterHandler(models.JobDownloadWorkflow, func(context.Context, models.Job) (models.Payload, error) {
		return nil, QuotaDenied("vimeo_api", ratelimit.Decision{Reason: ratelimit.ReasonUnknown})
	})
	quota := h.store.add(models.JobExtractFrames, 5)
	unknown := h.store.add(models.JobDownloadWorkflow, 5)

	drain(t, h.proc)

	got := h.store.get(quota.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 1, got.Deferrals)
	assert.Equal(t, models.DeferQuota, got.DeferredReason)
	assert.Equal(t, retryAt, got.ScheduledFor)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, retryAt, cache.blocked[models.APIYouTubeData])

	got = h.store.get(unknown.ID)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, models.PhaseWaitingAPI, got.Phase(h.clock.Now()))
	assert.Equal(t, h.clock.Now().Add(testConfig().QuotaDeferMax), got.ScheduledFor)
}

func TestEndToEndMinuteQuota(t *testing.T) {
	h := newHarness(testConfig())
	h.ledger.set(models.APIGeminiFlash, 2, 100, 100, true)
	var handled []string
	h.proc.RegisterHandler(models.JobAnalyzeVideo, func(_ context.Context, job models.Job) (models.Payload, error) {
		handled = append(handled, job.ID)
		return models.Payload{"summary": "ok"}, nil
	})
	a := h.store.add(models.JobAnalyzeVideo, 5)
	b := h.store.add(models.JobAnalyzeVideo, 5)
	c := h.store.add(models.JobAnalyzeVideo, 5)

	drain(t, h.proc)
	assert.Equal(t, []string{a.ID, b.ID}, handled)
	third := h.store.get(c.ID)
	assert.Equal(t, models.PhaseWaitingQuota, third.Phase(h.clock.Now()))
	assert.Equal(t, 0, third.Attempts)
	assert.Equal(t, 2, h.ledger.row(models.APIGeminiFlash).MinuteCount)

	h.clock.Advance(61 * time.Second)
	drain(t, h.proc)

	assert.Equal(t, []string{a.ID, b.ID, c.ID}, handled)
	for _, id := range []string{a.ID, b.ID, c.ID} {
		got := h.store.get(id)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, 0, got.Attempts)
	}
	row := h.ledger.row(models.APIGeminiFlash)
	assert.Equal(t, 1, row.MinuteCount)
	assert.Equal(t, 3, row.HourCount)
	assert.Equal(t, 3, row.DayCount)
}

func TestUnavailableAPIDefers(t *testing.T) {
	h := newHarness(testConfig())
	h.ledger.set(models.APIGeminiFlash, 10, 10, 10, false)
	called := false
	h.proc.RegisterHandler(models.JobAnalyzeVideo, func(context.Context, models.Job) (models.Payload, error) {
		called = true
		return nil, nil
	})
	disabled := h.store.add(models.JobAnalyzeVideo, 5)
	unknown := h.store.addWithAPI(models.JobAnalyzeVideo, 5, "vimeo_api")

	drain(t, h.proc)
	assert.False(t, called)
	for _, id := range []string{disabled.ID, unknown.ID} {
		got := h.store.get(id)
		assert.Equal(t, models.PhaseWaitingAPI, got.Phase(h.clock.Now()))
		assert.Equal(t, 0, got.Attempts)
		assert.Equal(t, h.clock.Now().Add(testConfig().QuotaDeferMax), got.ScheduledFor)
	}
}

func TestDenialCacheSkipsLedger(t *testing.T) {
	h := newHarness(testConfig())
	cache := &fakeCache{blocked: map[string]time.Time{
		models.APIGeminiFlash: h.clock.Now().Add(20 * time.Second),
	}}
	h.proc.WithDenialCache(cache)
	job := h.store.add(models.JobAnalyzeVideo, 5)

	drain(t, h.proc)
	assert.Equal(t, 0, h.ledger.calls)
	got := h.store.get(job.ID)
	assert.Equal(t, models.DeferQuota, got.DeferredReason)
	assert.Equal(t, h.clock.Now().Add(20*time.Second), got.ScheduledFor)
}

func TestLedgerDenialPopulatesCache(t *testing.T) {
	h := newHarness(testConfig())
	h.ledger.set(models.APIGeminiEmbedding, 0, 10, 10, true)
	cache := &fakeCache{}
	h.proc.WithDenialCache(cache)
	h.store.add(models.JobGenerateEmbeddings, 5)

	drain(t, h.proc)
	_, blocked, err := cache.BlockedUntil(context.Background(), models.APIGeminiEmbedding)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestCacheErrorFallsBackToLedger(t *testing.T) {
	h := newHarness(testConfig())
	h.proc.WithDenialCache(&fakeCache{err: errors.New("redis down")})
	h.proc.RegisterHandler(models.JobAnalyzeVideo, func(context.Context, models.Job) (models.Payload, error) {
		return nil, nil
	})
	job := h.store.add(models.JobAnalyzeVideo, 5)

	drain(t, h.proc)
	assert.Equal(t, 1, h.ledger.calls)
	assert.Equal(t, models.StatusCompleted, h.store.get(job.ID).Status)
}

func TestLedgerErrorReleasesJob(t *testing.T) {
	h := newHarness(testConfig())
	h.ledger.err = errors.New("connection reset")
	job := h.store.add(models.JobAnalyzeVideo, 5)

	worked, err := h.proc.RunOnce(context.Background(), "w")
	assert.True(t, worked)
	require.Error(t, err)

	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, models.DeferNone, got.DeferredReason)
	assert.Equal(t, h.clock.Now().Add(testConfig().QuotaDeferMin), got.ScheduledFor)
}

func TestHeartbeatWhileRunning(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	h := newHarness(cfg)
	h.proc.RegisterHandler(models.JobExtractFrames, func(context.Context, models.Job) (models.Payload, error) {
		time.Sleep(60 * time.Millisecond)
		return nil, nil
	})
	job := h.store.add(models.JobExtractFrames, 5)

	drain(t, h.proc)
	assert.Equal(t, models.StatusCompleted, h.store.get(job.ID).Status)
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Greater(t, h.store.heartbeats, 0)
}

func TestLeaseLostCancelsHandler(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	h := newHarness(cfg)
	h.store.leaseLost = true
	h.proc.RegisterHandler(models.JobExtractFrames, func(ctx context.Context, _ models.Job) (models.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job := h.store.add(models.JobExtractFrames, 5)

	worked, err := h.proc.RunOnce(context.Background(), "w")
	require.NoError(t, err)
	assert.True(t, worked)

	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusProcessing, got.Status, "result is left for the reaper")
	assert.Equal(t, 0, got.Attempts)
}

func TestShutdownReturnsJob(t *testing.T) {
	h := newHarness(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.proc.RegisterHandler(models.JobExtractFrames, func(hctx context.Context, _ models.Job) (models.Payload, error) {
		cancel()
		<-hctx.Done()
		return nil, hctx.Err()
	})
	job := h.store.add(models.JobExtractFrames, 5)

	worked, err := h.proc.RunOnce(ctx, "w")
	require.NoError(t, err)
	assert.True(t, worked)

	got := h.store.get(job.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 1, got.Deferrals)
}

type sleepyWaker struct{ d time.Duration }

func (w sleepyWaker) Wait(ctx context.Context, _ time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(w.d):
		return false, nil
	}
}

func TestRunHandlesEachJobOnce(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerConcurrency = 4
	h := newHarness(cfg)
	h.proc.WithWaker(sleepyWaker{d: 2 * time.Millisecond})

	const total = 20
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	h.proc.RegisterHandler(models.JobExtractFrames, func(_ context.Context, job models.Job) (models.Payload, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[job.ID]++
		if len(seen) == total {
			cancel()
		}
		return nil, nil
	})
	for i := 0; i < total; i++ {
		h.store.add(models.JobExtractFrames, 5)
	}

	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s handled more than once", id)
	}
}
