package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"content-catalog/internal/models"
	"content-catalog/internal/store"
)

var (
	enqueuePriority   int
	enqueueSource     string
	enqueueVideo      string
	enqueueWorkflow   string
	enqueueInput      string
	enqueueAPI        string
	enqueueDelay      time.Duration
	enqueueMaxAttempt int

	statusJob    string
	statusFilter string
	statusType   string
	statusLimit  int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [job-type]",
	Short: "Insert a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, err := models.ParseJobType(args[0])
		if err != nil {
			return err
		}
		p := store.EnqueueParams{
			Type:        jobType,
			SourceID:    optional(enqueueSource),
			VideoID:     optional(enqueueVideo),
			WorkflowID:  optional(enqueueWorkflow),
			MaxAttempts: enqueueMaxAttempt,
		}
		if cmd.Flags().Changed("priority") {
			p.Priority = store.PriorityOf(enqueuePriority)
		}
		if cmd.Flags().Changed("api") {
			p.APIUsed = &enqueueAPI
		}
		if enqueueInput != "" {
			if err := json.Unmarshal([]byte(enqueueInput), &p.Input); err != nil {
				return fmt.Errorf("--input must be a JSON object: %w", err)
			}
		}
		if enqueueDelay > 0 {
			p.ScheduledFor = time.Now().Add(enqueueDelay)
		}
		return withStore(cmd.Context(), func(st *store.Store) error {
			id, err := st.Enqueue(cmd.Context(), p)
			if err != nil {
				return err
			}
			notifyWorkers(cmd.Context(), jobType)
			fmt.Println(id)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts by phase, or one job with its events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			if statusJob != "" {
				job, err := st.GetJob(cmd.Context(), statusJob)
				if err != nil {
					return err
				}
				events, err := st.ListEvents(cmd.Context(), statusJob)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"job": job, "phase": job.Phase(time.Now()), "events": events})
			}
			if statusFilter != "" || statusType != "" {
				jobs, err := st.ListJobs(cmd.Context(), store.JobFilter{
					Status: models.JobStatus(statusFilter),
					Type:   models.JobType(statusType),
					Limit:  statusLimit,
				})
				if err != nil {
					return err
				}
				rows := make([]map[string]any, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, map[string]any{
						"id": j.ID, "type": j.Type, "priority": j.Priority, "phase": j.Phase(time.Now()),
						"attempts": j.Attempts, "max_attempts": j.MaxAttempts, "scheduled_for": j.ScheduledFor,
						"error": j.ErrorMessage,
					})
				}
				return printJSON(rows)
			}
			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			quotas, err := st.QuotaStatuses(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"jobs": stats, "quotas": quotas})
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			err := st.Cancel(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotCancellable) {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			if err != nil {
				return err
			}
			log.Info().Str("job_id", args[0]).Msg("job cancelled")
			return nil
		})
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Return processing jobs with an expired lease to pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			cutoff := time.Now().Add(-cfg.LeaseTimeout)
			jobs, err := st.ReapStale(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				log.Info().Str("job_id", j.ID).Str("type", string(j.Type)).Msg("job requeued")
			}
			log.Info().Int("reaped", len(jobs)).Time("cutoff", cutoff).Msg("reap finished")
			return nil
		})
	},
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func init() {
	f := enqueueCmd.Flags()
	f.IntVar(&enqueuePriority, "priority", store.DefaultPriority, "Priority, higher runs first")
	f.StringVar(&enqueueSource, "source", "", "Source id")
	f.StringVar(&enqueueVideo, "video", "", "Video id")
	f.StringVar(&enqueueWorkflow, "workflow", "", "Workflow id")
	f.StringVar(&enqueueInput, "input", "", "Input document as a JSON object")
	f.StringVar(&enqueueAPI, "api", "", "API identity to consume; empty for none (default by job type)")
	f.DurationVar(&enqueueDelay, "delay", 0, "Schedule the job this far in the future")
	f.IntVar(&enqueueMaxAttempt, "max-attempts", 0, "Attempts before permanent failure (default MAX_ATTEMPTS)")

	statusCmd.Flags().StringVar(&statusJob, "job", "", "Show one job and its events")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "List jobs with this status")
	statusCmd.Flags().StringVar(&statusType, "type", "", "List jobs of this type")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum jobs to list")

	rootCmd.AddCommand(enqueueCmd, statusCmd, cancelCmd, reapCmd)
}
