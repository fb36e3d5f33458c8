package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/phuslu/log"

	"content-catalog/internal/api"
	"content-catalog/internal/config"
	"content-catalog/internal/logging"
	"content-catalog/internal/queue"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
	"content-catalog/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, "api")
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(st, limiter, queue.NewSignal(rdb))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("env", cfg.Env).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("api stopped")
}
