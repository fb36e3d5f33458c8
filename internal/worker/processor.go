package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"content-catalog/internal/config"
	"content-catalog/internal/models"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
	"content-catalog/internal/telemetry"
)

// JobStore is the subset of the job store the dispatcher drives.
type JobStore interface {
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	Complete(ctx context.Context, id, workerID string, output models.Payload) error
	Fail(ctx context.Context, id, workerID string, f store.Failure) (models.Job, error)
	Defer(ctx context.Context, id, workerID string, until time.Time, reason models.DeferReason) error
	Heartbeat(ctx context.Context, id, workerID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Ledger admits outbound API calls.
type Ledger interface {
	Admit(ctx context.Context, api string) (ratelimit.Decision, error)
}

// DenialCache short-circuits recently denied APIs. It never admits.
type DenialCache interface {
	BlockedUntil(ctx context.Context, api string) (time.Time, bool, error)
	MarkBlocked(ctx context.Context, api string, until time.Time) error
}

// Waker lets an idle worker sleep until a producer signals new work.
type Waker interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Handler executes a job for a given type and returns its output document.
type Handler func(ctx context.Context, job models.Job) (models.Payload, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	store    JobStore
	ledger   Ledger
	cache    DenialCache
	waker    Waker
	handlers map[models.JobType]Handler
	workerID string
	now      func() time.Time
}

func NewProcessor(cfg config.Config, st JobStore, ledger Ledger, workerID string) *Processor {
	if workerID == "" {
		workerID = "worker"
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		ledger:   ledger,
		handlers: make(map[models.JobType]Handler),
		workerID: workerID,
		now:      time.Now,
	}
}

// WithDenialCache consults c before taking the ledger lock.
func (p *Processor) WithDenialCache(c DenialCache) *Processor {
	p.cache = c
	return p
}

// WithWaker replaces idle polling with a blocking wait on w.
func (p *Processor) WithWaker(w Waker) *Processor {
	p.waker = w
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if !jobType.Valid() || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts WorkerConcurrency loops and blocks until ctx is cancelled and
// every in-flight job has been settled.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n < 1 {
		n = 1
	}
	log.Info().Str("worker_id", p.workerID).Int("concurrency", n).Msg("dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s/%d", p.workerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, id)
		}()
	}
	wg.Wait()
	log.Info().Str("worker_id", p.workerID).Msg("dispatcher stopped")
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		worked, err := p.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("dispatch failed")
		}
		if worked && err == nil {
			continue
		}
		p.idle(ctx)
	}
}

func (p *Processor) idle(ctx context.Context) {
	if depth, err := p.store.ReadyDepth(ctx); err == nil {
		telemetry.ReadyDepthGauge.Set(float64(depth))
	}
	if p.waker != nil {
		if _, err := p.waker.Wait(ctx, p.cfg.WorkerPollInterval); err == nil {
			return
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// RunOnce claims and settles at most one job. It reports whether a job was
// claimed.
func (p *Processor) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.store.ClaimNext(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	telemetry.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
	log.Debug().Str("job_id", job.ID).Str("type", string(job.Type)).Str("worker_id", workerID).
		Int("attempts", job.Attempts).Msg("job claimed")

	if job.API() != "" {
		admitted, err := p.admit(ctx, workerID, *job)
		if err != nil || !admitted {
			return true, err
		}
	}
	return true, p.execute(ctx, workerID, *job)
}

// admit consults the ledger for the job's API and defers the job when the
// call is not allowed. Deferral never charges an attempt.
func (p *Processor) admit(ctx context.Context, workerID string, job models.Job) (bool, error) {
	api := job.API()
	now := p.now()

	if p.cache != nil {
		until, blocked, err := p.cache.BlockedUntil(ctx, api)
		if err != nil {
			log.Warn().Err(err).Str("api", api).Msg("quota cache unavailable")
		} else if blocked {
			telemetry.QuotaDenials.WithLabelValues(api, "cached").Inc()
			delay := quotaDelay(now, until, p.cfg.QuotaDeferMin, p.cfg.QuotaDeferMax)
			return false, p.deferJob(ctx, workerID, job, now.Add(delay), models.DeferQuota)
		}
	}

	d, err := p.ledger.Admit(ctx, api)
	if err != nil {
		derr := p.deferJob(ctx, workerID, job, now.Add(p.cfg.QuotaDeferMin), models.DeferNone)
		return false, errors.Join(fmt.Errorf("admit %s: %w", api, err), derr)
	}
	if d.Admitted {
		return true, nil
	}
	return false, p.deferDenied(ctx, workerID, job, api, d)
}

// deferDenied returns job to pending after api was refused. Exhausted
// windows wait for their reset; unavailable APIs wait the maximum delay.
func (p *Processor) deferDenied(ctx context.Context, workerID string, job models.Job, api string, d ratelimit.Decision) error {
	now := p.now()
	telemetry.QuotaDenials.WithLabelValues(api, string(d.Reason)).Inc()
	switch d.Reason {
	case ratelimit.ReasonQuota:
		if p.cache != nil {
			if err := p.cache.MarkBlocked(ctx, api, d.RetryAt); err != nil {
				log.Warn().Err(err).Str("api", api).Msg("quota cache write failed")
			}
		}
		delay := quotaDelay(now, d.RetryAt, p.cfg.QuotaDeferMin, p.cfg.QuotaDeferMax)
		return p.deferJob(ctx, workerID, job, now.Add(delay), models.DeferQuota)
	case ratelimit.ReasonDisabled, ratelimit.ReasonUnknown:
		return p.deferJob(ctx, workerID, job, now.Add(p.cfg.QuotaDeferMax), models.DeferAPIUnavailable)
	case ratelimit.ReasonAdmitted:
	}
	return fmt.Errorf("admit %s: unexpected decision %q", api, d.Reason)
}

func (p *Processor) deferJob(ctx context.Context, workerID string, job models.Job, until time.Time, reason models.DeferReason) error {
	fctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.store.Defer(fctx, job.ID, workerID, until, reason); err != nil {
		return fmt.Errorf("defer job %s: %w", job.ID, err)
	}
	label := string(reason)
	if label == "" {
		label = "ledger_error"
	}
	telemetry.JobsDeferred.WithLabelValues(job.API(), label).Inc()
	log.Info().Str("job_id", job.ID).Str("type", string(job.Type)).Str("api", job.API()).
		Str("reason", label).Time("until", until).Msg("job deferred")
	return nil
}

func (p *Processor) execute(ctx context.Context, workerID string, job models.Job) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		handler = missingHandler
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(runCtx, workerID, job.ID, &leaseLost, cancel)
	}()

	start := time.Now()
	output, err := runHandler(runCtx, handler, job)
	cancel()
	<-hbDone
	elapsed := time.Since(start)

	if leaseLost.Load() {
		telemetry.JobDuration.WithLabelValues(string(job.Type), "lease_lost").Observe(elapsed.Seconds())
		log.Warn().Str("job_id", job.ID).Str("worker_id", workerID).Msg("lease lost while running; result dropped")
		return nil
	}
	if err != nil && ctx.Err() != nil {
		// Shutting down: hand the job back untouched.
		telemetry.JobDuration.WithLabelValues(string(job.Type), "interrupted").Observe(elapsed.Seconds())
		return p.deferJob(ctx, workerID, job, p.now(), models.DeferNone)
	}
	if denied, ok := asQuotaDenied(err); ok {
		telemetry.JobDuration.WithLabelValues(string(job.Type), "deferred").Observe(elapsed.Seconds())
		return p.deferDenied(ctx, workerID, job, denied.api, denied.decision)
	}
	if err != nil {
		telemetry.JobDuration.WithLabelValues(string(job.Type), "error").Observe(elapsed.Seconds())
		return p.fail(ctx, workerID, job, err)
	}

	if output == nil {
		output = models.Payload{}
	}
	fctx, fcancel := settleContext(ctx)
	defer fcancel()
	if err := p.store.Complete(fctx, job.ID, workerID, output); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			log.Warn().Str("job_id", job.ID).Msg("lease lost before completion")
			return nil
		}
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	telemetry.JobDuration.WithLabelValues(string(job.Type), "success").Observe(elapsed.Seconds())
	telemetry.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
	log.Info().Str("job_id", job.ID).Str("type", string(job.Type)).Dur("elapsed", elapsed).Msg("job completed")
	return nil
}

func (p *Processor) fail(ctx context.Context, workerID string, job models.Job, cause error) error {
	attempt := job.Attempts + 1
	details := detailsOf(cause)
	details["attempt"] = attempt
	f := store.Failure{
		Message:   cause.Error(),
		Details:   details,
		RetryAt:   p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)),
		Permanent: IsPermanent(cause),
	}

	fctx, cancel := settleContext(ctx)
	defer cancel()
	updated, err := p.store.Fail(fctx, job.ID, workerID, f)
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn().Str("job_id", job.ID).Msg("lease lost before failure was recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	if updated.Status == models.StatusFailed {
		telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
		log.Error().Str("job_id", job.ID).Str("type", string(job.Type)).Int("attempts", updated.Attempts).
			Bool("permanent", f.Permanent).Err(cause).Msg("job failed")
		return nil
	}
	telemetry.JobsRetried.WithLabelValues(string(job.Type)).Inc()
	log.Warn().Str("job_id", job.ID).Str("type", string(job.Type)).Int("attempts", updated.Attempts).
		Time("retry_at", f.RetryAt).Err(cause).Msg("job retry scheduled")
	return nil
}

func (p *Processor) heartbeat(ctx context.Context, workerID, jobID string, lost *atomic.Bool, cancel context.CancelFunc) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := p.store.Heartbeat(ctx, jobID, workerID)
		if errors.Is(err, store.ErrLeaseLost) {
			lost.Store(true)
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
		}
	}
}

func runHandler(ctx context.Context, h Handler, job models.Job) (out models.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func missingHandler(_ context.Context, job models.Job) (models.Payload, error) {
	return nil, Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
}

// settleContext outlives a cancelled parent so that a transition can still
// be written during shutdown.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
