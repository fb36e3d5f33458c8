package main

import (
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"content-catalog/internal/models"
	"content-catalog/internal/store"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Control periodic monitoring of a source",
}

var sourcePauseCmd = &cobra.Command{
	Use:   "pause [source-id]",
	Short: "Stop syncing a source until it is resumed",
	Args:  cobra.ExactArgs(1),
	RunE:  setSourceStatus(models.MonitorPaused),
}

var sourceResumeCmd = &cobra.Command{
	Use:   "resume [source-id]",
	Short: "Sync a source on its check interval again",
	Args:  cobra.ExactArgs(1),
	RunE:  setSourceStatus(models.MonitorActive),
}

var sourceArchiveCmd = &cobra.Command{
	Use:   "archive [source-id]",
	Short: "Stop monitoring a source for good",
	Args:  cobra.ExactArgs(1),
	RunE:  setSourceStatus(models.MonitorArchived),
}

func setSourceStatus(status models.MonitoringStatus) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(st *store.Store) error {
			if err := st.SetSourceStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			log.Info().Str("source_id", args[0]).Str("status", string(status)).Msg("source status changed")
			return nil
		})
	}
}

func init() {
	sourceCmd.AddCommand(sourcePauseCmd, sourceResumeCmd, sourceArchiveCmd)
	rootCmd.AddCommand(sourceCmd)
}
