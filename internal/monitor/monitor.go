// Package monitor runs the periodic background duties of a worker: queueing
// syncs for sources that are due and reclaiming jobs whose worker vanished.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"content-catalog/internal/config"
	"content-catalog/internal/models"
	"content-catalog/internal/telemetry"
)

// Store is the subset of the job store the monitor needs.
type Store interface {
	EnqueueDueSyncs(ctx context.Context, limit int) ([]string, error)
	ReapStale(ctx context.Context, cutoff time.Time) ([]models.Job, error)
}

// Notifier wakes idle workers.
type Notifier interface {
	Notify(ctx context.Context, jobType string) error
}

type Monitor struct {
	cfg      config.Config
	store    Store
	notifier Notifier
	cron     *cron.Cron
	now      func() time.Time
}

func New(cfg config.Config, st Store, n Notifier) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    st,
		notifier: n,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:      time.Now,
	}
}

// Start schedules both duties and starts the cron runner.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.cfg.SyncSchedule, func() { m.run("sync trigger", m.TriggerSyncs) }); err != nil {
		return fmt.Errorf("sync schedule %q: %w", m.cfg.SyncSchedule, err)
	}
	if _, err := m.cron.AddFunc(m.cfg.ReaperSchedule, func() { m.run("reaper", m.Reap) }); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", m.cfg.ReaperSchedule, err)
	}
	m.cron.Start()
	log.Info().Str("sync_schedule", m.cfg.SyncSchedule).Str("reaper_schedule", m.cfg.ReaperSchedule).
		Msg("monitor started")
	return nil
}

// Stop stops scheduling and waits for a running duty to return.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	log.Info().Msg("monitor stopped")
}

func (m *Monitor) run(name string, fn func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := fn(ctx); err != nil {
		log.Error().Err(err).Str("duty", name).Msg("scheduled run failed")
	}
}

// TriggerSyncs enqueues sync_source for every active source whose next check
// is due and returns how many were queued.
func (m *Monitor) TriggerSyncs(ctx context.Context) (int, error) {
	ids, err := m.store.EnqueueDueSyncs(ctx, m.cfg.SyncBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("enqueue due syncs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	telemetry.SyncsTriggered.Add(float64(len(ids)))
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, string(models.JobSyncSource)); err != nil {
			log.Warn().Err(err).Msg("wake-up signal failed")
		}
	}
	log.Info().Int("jobs", len(ids)).Msg("source syncs queued")
	return len(ids), nil
}

// Reap returns processing jobs whose lease expired to pending.
func (m *Monitor) Reap(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.LeaseTimeout)
	jobs, err := m.store.ReapStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	for _, j := range jobs {
		telemetry.JobsReaped.Inc()
		worker := ""
		if j.WorkerID != nil {
			worker = *j.WorkerID
		}
		log.Warn().Str("job_id", j.ID).Str("type", string(j.Type)).Str("worker_id", worker).
			Time("cutoff", cutoff).Msg("stale job requeued")
	}
	if len(jobs) > 0 && m.notifier != nil {
		if err := m.notifier.Notify(ctx, "reaped"); err != nil {
			log.Warn().Err(err).Msg("wake-up signal failed")
		}
	}
	return len(jobs), nil
}
