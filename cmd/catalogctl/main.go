package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"content-catalog/internal/config"
	"content-catalog/internal/logging"
	"content-catalog/internal/models"
	"content-catalog/internal/queue"
	"content-catalog/internal/ratelimit"
	"content-catalog/internal/store"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "catalogctl",
	Short:         "Operate the content catalog job queue and rate limit ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, cfg.LogFormat, "catalogctl")
		return nil
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// withStore opens the store for the duration of fn.
func withStore(ctx context.Context, fn func(*store.Store) error) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetDefaultMaxAttempts(cfg.MaxAttempts)
	return fn(st)
}

// notifyWorkers wakes idle workers. Workers poll anyway, so failure only
// costs latency.
func notifyWorkers(ctx context.Context, t models.JobType) {
	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	if err := queue.NewSignal(rdb).Notify(ctx, string(t)); err != nil {
		log.Debug().Err(err).Msg("wake-up signal failed")
	}
}

// forgetDenials drops cached quota denials so workers consult the ledger
// on their next claim instead of waiting out the cache entry.
func forgetDenials(ctx context.Context, apis ...string) {
	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	cache := ratelimit.NewQuotaCache(rdb, cfg.QuotaCacheTTL)
	for _, api := range apis {
		if err := cache.Clear(ctx, api); err != nil {
			log.Debug().Err(err).Str("api", api).Msg("clear quota cache failed")
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
