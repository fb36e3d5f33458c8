package main

import (
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"content-catalog/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		})
	},
}

var seedQuotasCmd = &cobra.Command{
	Use:   "seed-quotas",
	Short: "Create or update ledger rows from the configured API quotas",
	Long:  `Ceilings and the enabled flag are updated; running counters are kept and clamped to the new ceilings.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			specs := store.QuotaSpecs(cfg.APIs)
			if err := st.SeedQuotas(cmd.Context(), specs); err != nil {
				return err
			}
			apis := make([]string, 0, len(specs))
			for _, q := range specs {
				apis = append(apis, q.API)
				log.Info().Str("api", q.API).Int("per_minute", q.PerMinute).Int("per_hour", q.PerHour).
					Int("per_day", q.PerDay).Bool("enabled", q.Enabled).Msg("quota seeded")
			}
			forgetDenials(cmd.Context(), apis...)
			return nil
		})
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and exercise the rate limit ledger",
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show remaining capacity per API and window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			statuses, err := st.QuotaStatuses(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(statuses)
		})
	},
}

var quotaConsumeCmd = &cobra.Command{
	Use:   "consume [api]",
	Short: "Consume one call from an API's quota",
	Long:  `Runs the same atomic check-and-consume the dispatcher uses and prints the decision.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			d, err := st.Admit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"api": args[0], "admitted": d.Admitted, "reason": d.Reason}
			if !d.RetryAt.IsZero() {
				out["retry_at"] = d.RetryAt
			}
			return printJSON(out)
		})
	},
}

var quotaEnableCmd = &cobra.Command{
	Use:   "enable [api]",
	Short: "Allow calls to an API",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabled(true),
}

var quotaDisableCmd = &cobra.Command{
	Use:   "disable [api]",
	Short: "Stop admitting calls to an API; its jobs wait until re-enabled",
	Args:  cobra.ExactArgs(1),
	RunE:  setEnabled(false),
}

func setEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			if err := st.SetAPIEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			forgetDenials(cmd.Context(), args[0])
			log.Info().Str("api", args[0]).Bool("enabled", enabled).Msg("api updated")
			return nil
		})
	}
}

func init() {
	quotaCmd.AddCommand(quotaListCmd, quotaConsumeCmd, quotaEnableCmd, quotaDisableCmd)
	rootCmd.AddCommand(migrateCmd, seedQuotasCmd, quotaCmd)
}
