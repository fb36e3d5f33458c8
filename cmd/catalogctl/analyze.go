package main

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"content-catalog/internal/api"
	"content-catalog/internal/models"
	"content-catalog/internal/store"
)

var (
	analyzeURL    string
	analyzeVideo  string
	analyzeBatch  int
	analyzeSource string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Queue video analysis by URL, by id, or for a batch of pending videos",
	Example: `  catalogctl analyze --url https://youtu.be/dQw4w9WgXcQ
  catalogctl analyze --batch 20 --source 0b5c2d7e-4a1b-4f6e-8c3d-9e2f1a0b7c65`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		return withStore(ctx, func(st *store.Store) error {
			var videos []models.Video
			switch {
			case analyzeBatch > 0:
				pending, err := st.PendingVideos(ctx, analyzeBatch, analyzeSource)
				if err != nil {
					return err
				}
				videos = pending
			case analyzeVideo != "":
				v, err := st.GetVideo(ctx, analyzeVideo)
				if err != nil {
					return fmt.Errorf("video %s: %w", analyzeVideo, err)
				}
				videos = append(videos, v)
			case analyzeURL != "":
				ext, ok := api.ExtractYouTubeID(analyzeURL)
				if !ok {
					return fmt.Errorf("no video id in %q", analyzeURL)
				}
				v, err := st.GetVideoByExternalID(ctx, ext)
				if err != nil {
					return fmt.Errorf("video %s: %w", ext, err)
				}
				videos = append(videos, v)
			default:
				return errors.New("one of --url, --video or --batch is required")
			}

			for _, v := range videos {
				vid := v.ID
				id, err := st.Enqueue(ctx, store.EnqueueParams{Type: models.JobAnalyzeVideo, VideoID: &vid})
				if err != nil {
					return err
				}
				if err := st.SetAnalysisStatus(ctx, vid, models.ProcessingQueued); err != nil {
					return err
				}
				log.Info().Str("job_id", id).Str("video_id", vid).Str("title", v.Title).Msg("analysis queued")
			}
			if len(videos) > 0 {
				notifyWorkers(ctx, models.JobAnalyzeVideo)
			}
			log.Info().Int("queued", len(videos)).Msg("analyze finished")
			return nil
		})
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeURL, "url", "", "YouTube watch or youtu.be URL of a catalogued video")
	analyzeCmd.Flags().StringVar(&analyzeVideo, "video", "", "Video id")
	analyzeCmd.Flags().IntVar(&analyzeBatch, "batch", 0, "Queue up to N videos that were never analyzed, newest first")
	analyzeCmd.Flags().StringVar(&analyzeSource, "source", "", "Restrict --batch to one source")
	rootCmd.AddCommand(analyzeCmd)
}
