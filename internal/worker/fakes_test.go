package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"content-catalog/internal/config"
	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeStore mimics the claim ordering and transition guards of the
// Postgres job store. It does not filter by quota, so the dispatcher's
// ledger path is always exercised.
type fakeStore struct {
	mu         sync.Mutex
	clock      *fakeClock
	jobs       []*models.Job
	seq        int64
	heartbeats int
	leaseLost  bool
}

func newFakeStore(clock *fakeClock) *fakeStore {
	return &fakeStore{clock: clock}
}

func (s *fakeStore) add(typ models.JobType, priority int) *models.Job {
	api := typ.DefaultAPI()
	return s.addWithAPI(typ, priority, api)
}

func (s *fakeStore) addWithAPI(typ models.JobType, priority int, api string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.clock.Now()
	job := &models.Job{
		ID:           fmt.Sprintf("job-%d", s.seq),
		Seq:          s.seq,
		Type:         typ,
		Priority:     priority,
		Input:        models.Payload{},
		Status:       models.StatusPending,
		MaxAttempts:  store.DefaultMaxAttempts,
		CreatedAt:    now,
		ScheduledFor: now,
	}
	if api != "" {
		a := api
		job.APIUsed = &a
	}
	s.jobs = append(s.jobs, job)
	return job
}

func (s *fakeStore) get(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return *j
		}
	}
	return models.Job{}
}

func (s *fakeStore) find(id, workerID string) (*models.Job, error) {
	for _, j := range s.jobs {
		if j.ID == id {
			if j.Status != models.StatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
				return nil, store.ErrLeaseLost
			}
			return j, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var ready []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.ScheduledFor.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(a, b int) bool {
		if ready[a].Priority != ready[b].Priority {
			return ready[a].Priority > ready[b].Priority
		}
		if !ready[a].CreatedAt.Equal(ready[b].CreatedAt) {
			return ready[a].CreatedAt.Before(ready[b].CreatedAt)
		}
		return ready[a].Seq < ready[b].Seq
	})
	j := ready[0]
	w := workerID
	j.Status = models.StatusProcessing
	j.WorkerID = &w
	j.StartedAt = &now
	j.HeartbeatAt = &now
	j.DeferredReason = models.DeferNone
	out := *j
	return &out, nil
}

func (s *fakeStore) Complete(_ context.Context, id, workerID string, output models.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.find(id, workerID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	j.Status = models.StatusCompleted
	j.CompletedAt = &now
	j.Output = output
	return nil
}

func (s *fakeStore) Fail(_ context.Context, id, workerID string, f store.Failure) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.find(id, workerID)
	if err != nil {
		return models.Job{}, err
	}
	j.Attempts++
	msg := f.Message
	j.ErrorMessage = &msg
	j.ErrorDetails = f.Details
	if f.Permanent || j.Attempts >= j.MaxAttempts {
		now := s.clock.Now()
		j.Status = models.StatusFailed
		j.CompletedAt = &now
	} else {
		j.Status = models.StatusPending
		j.ScheduledFor = f.RetryAt
	}
	return *j, nil
}

func (s *fakeStore) Defer(_ context.Context, id, workerID string, until time.Time, reason models.DeferReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.find(id, workerID)
	if err != nil {
		return err
	}
	j.Status = models.StatusPending
	j.ScheduledFor = until
	j.DeferredReason = reason
	j.Deferrals++
	j.StartedAt = nil
	j.HeartbeatAt = nil
	return nil
}

func (s *fakeStore) Heartbeat(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaseLost {
		return store.ErrLeaseLost
	}
	if _, err := s.find(id, workerID); err != nil {
		return err
	}
	s.heartbeats++
	return nil
}

func (s *fakeStore) ReadyDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.clock.Now()
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.ScheduledFor.After(now) {
			n++
		}
	}
	return n, nil
}

// fakeLedger evaluates in-memory rows with the production window algorithm.
type fakeLedger struct {
	mu    sync.Mutex
	clock *fakeClock
	rows  map[string]models.RateLimitConfig
	calls int
	err   error
}

func newFakeLedger(clock *fakeClock) *fakeLedger {
	return &fakeLedger{clock: clock, rows: map[string]models.RateLimitConfig{}}
}

func (l *fakeLedger) set(api string, perMinute, perHour, perDay int, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[api] = models.RateLimitConfig{
		APIName:           api,
		RequestsPerMinute: perMinute,
		RequestsPerHour:   perHour,
		RequestsPerDay:    perDay,
		Enabled:           enabled,
	}
}

func (l *fakeLedger) row(api string) models.RateLimitConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[api]
}

func (l *fakeLedger) Admit(_ context.Context, api string) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return ratelimit.Decision{}, l.err
	}
	cfg, ok := l.rows[api]
	if !ok {
		return ratelimit.Decision{Reason: ratelimit.ReasonUnknown}, nil
	}
	d := ratelimit.Evaluate(cfg, l.clock.Now())
	if d.Changed {
		l.rows[api] = d.Next
	}
	return d, nil
}

type fakeCache struct {
	mu      sync.Mutex
	blocked map[string]time.Time
	err     error
}

func (c *fakeCache) BlockedUntil(_ context.Context, api string) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return time.Time{}, false, c.err
	}
	until, ok := c.blocked[api]
	return until, ok, nil
}

func (c *fakeCache) MarkBlocked(_ context.Context, api string, until time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked == nil {
		c.blocked = map[string]time.Time{}
	}
	c.blocked[api] = until
	return nil
}

var errBoom = errors.New("boom")

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.WorkerConcurrency = 1
	cfg.WorkerPollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.BackoffInitial = time.Second
	cfg.BackoffMax = 10 * time.Second
	cfg.QuotaDeferMin = 5 * time.Second
	cfg.QuotaDeferMax = 5 * time.Minute
	return cfg
}

type harness struct {
	clock  *fakeClock
	store  *fakeStore
	ledger *fakeLedger
	proc   *Processor
}

func newHarness(cfg config.Config) *harness {
	clock := newFakeClock()
	st := newFakeStore(clock)
	ledger := newFakeLedger(clock)
	ledger.set(models.APIGeminiFlash, 100, 1000, 10000, true)
	ledger.set(models.APIGeminiEmbedding, 100, 1000, 10000, true)
	ledger.set(models.APIYouTubeData, 100, 1000, 10000, true)
	proc := NewProcessor(cfg, st, ledger, "test")
	proc.now = clock.Now
	return &harness{clock: clock, store: st, ledger: ledger, proc: proc}
}
