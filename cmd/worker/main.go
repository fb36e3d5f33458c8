package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/phuslu/log"

	"content-catalog/internal/config"
	"content-catalog/internal/gemini"
	"content-catalog/internal/logging"
	"content-catalog/internal/media"
	"content-catalog/internal/monitor"
	"content-catalog/internal/queue"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
	"content-catalog/internal/telemetry"
	"content-catalog/internal/worker"
	"content-catalog/internal/workflows"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, "worker")
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	st.SetDefaultMaxAttempts(cfg.MaxAttempts)

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}
	if err := st.SeedQuotas(ctx, store.QuotaSpecs(cfg.APIs)); err != nil {
		log.Fatal().Err(err).Msg("seed quotas")
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	wake := queue.NewSignal(rdb)

	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	denials := ratelimit.NewQuotaCache(rdb, cfg.QuotaCacheTTL)
	for _, q := range cfg.APIs {
		// Ceilings may have just been raised by seeding.
		if err := denials.Clear(ctx, q.Name); err != nil {
			log.Warn().Err(err).Str("api", q.Name).Msg("clear quota cache")
		}
	}
	processor := worker.NewProcessor(cfg, st, st, workerID).
		WithDenialCache(denials).
		WithWaker(wake)

	frames, err := worker.NewFrameStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init frame store")
	}
	ytdlp := media.NewYTDLP(cfg.YTDLPBin)
	pipeline := &worker.Pipeline{
		Store:      st,
		Lister:     ytdlp,
		Downloader: ytdlp,
		Frames:     media.NewFFmpeg(cfg.FFmpegBin),
		Saver:      frames,
		Fetcher:    workflows.NewFetcher(ctx, cfg.GitHubToken, cfg.FetchRatePerSec),
		Notifier:   wake,
		Ledger:     st,
		DataDir:    cfg.DataDir,
		ListLimit:  cfg.ListLimit,
	}
	analyzer, err := gemini.New(ctx, gemini.Config{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		EmbedModel:        cfg.GeminiEmbedModel,
		EmbedDimension:    cfg.GeminiEmbedDim,
		ProcessingTimeout: cfg.GeminiTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init gemini client")
	}
	pipeline.Analyzer = analyzer
	pipeline.Register(processor)

	mon := monitor.New(cfg, st, wake)
	if err := mon.Start(); err != nil {
		log.Fatal().Err(err).Msg("start monitor")
	}
	defer mon.Stop()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	log.Info().Str("worker_id", workerID).Int("concurrency", cfg.WorkerConcurrency).
		Dur("lease_timeout", cfg.LeaseTimeout).Dur("backoff_initial", cfg.BackoffInitial).Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}
