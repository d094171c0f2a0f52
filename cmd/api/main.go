package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/cache"
	"server/internal/entitlement"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/progress"
	"server/internal/quota"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	quotaLedger := repo.NewQuotaLedger(dbpool)
	progressStore := repo.NewProgressStore(dbpool)
	users := repo.NewUserRepository(dbpool)

	evaluator := entitlement.NewEvaluator(entitlement.DefaultPolicies())

	var decisionCache quota.DecisionCache
	if c := cache.NewDecisionCache(redisClient, logger); c != nil {
		decisionCache = c
	}
	quotaSvc := quota.NewService(quotaLedger, evaluator, decisionCache, logger)

	ledger := progress.NewLedger(progressStore, users, logger)
	reconciler := progress.NewReconciler(progressStore, ledger, logger)
	progressSvc := progress.NewService(ledger, reconciler)

	app := handlers.NewApp(logger, quotaSvc, progressSvc)
	router := httpapi.NewRouter(app, cfg)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
