// The worker runs the engine's background maintenance: purging expired
// idempotency records and repairing progress records flagged unhealthy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/infra"
	"server/internal/progress"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer dbpool.Close()

	quotaLedger := repo.NewQuotaLedger(dbpool)
	progressStore := repo.NewProgressStore(dbpool)
	users := repo.NewUserRepository(dbpool)

	ledger := progress.NewLedger(progressStore, users, logger)
	reconciler := progress.NewReconciler(progressStore, ledger, logger)

	scheduler := gocron.NewScheduler(time.UTC)

	if _, err := scheduler.Every(cfg.PurgeInterval).Do(func() {
		jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		purged, err := quotaLedger.PurgeExpiredIdempotency(jobCtx, time.Now())
		if err != nil {
			logger.Error().Err(err).Msg("worker: idempotency purge failed")
			return
		}
		logger.Info().Int64("purged", purged).Msg("worker: idempotency purge done")
	}); err != nil {
		logger.Fatal().Err(err).Msg("worker: schedule purge job")
	}

	if _, err := scheduler.Every(1).Day().At(cfg.RepairSweepAt).Do(func() {
		jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		repaired, err := reconciler.RepairSweep(jobCtx, cfg.RepairSweepBatch)
		if err != nil {
			logger.Error().Err(err).Msg("worker: repair sweep failed")
			return
		}
		logger.Info().Int("repaired", repaired).Msg("worker: repair sweep done")
	}); err != nil {
		logger.Fatal().Err(err).Msg("worker: schedule repair sweep")
	}

	scheduler.StartAsync()
	logger.Info().Msg("worker started")

	<-ctx.Done()
	scheduler.Stop()
	logger.Info().Msg("worker stopped")
}
