package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"nursefilter/internal/adapter/repo"
	"nursefilter/internal/http/handlers"
	httpapi "nursefilter/internal/http/httpapi"
	"nursefilter/internal/infra"
	"nursefilter/internal/jobcache"
	"nursefilter/internal/pipeline"
	"nursefilter/internal/quota"
	"nursefilter/internal/runpod"
	"nursefilter/internal/storage"
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

	// Object storage: MinIO when an endpoint is configured, local disk
	// otherwise.
	var store storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		store, err = storage.NewMinioStore(ctx, storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			BaseURL:   cfg.StorageBaseURL,
		})
	} else {
		store, err = storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize object storage")
	}

	users := repo.NewUserRepository(dbpool)
	requests := repo.NewRequestRepository(dbpool)

	ledger := quota.NewLedger(users, quota.Options{
		DefaultCeiling:  cfg.DefaultQuota,
		FollowerCeiling: cfg.FollowerQuota,
		ResetPeriod:     time.Duration(cfg.QuotaResetDays) * 24 * time.Hour,
	})

	remote := runpod.NewClient(runpod.Options{
		BaseURL:    cfg.RunPodBaseURL,
		EndpointID: cfg.RunPodEndpointID,
		APIKey:     cfg.RunPodAPIKey,
		Timeout:    cfg.RunPodTimeout,
	})

	orch := pipeline.New(pipeline.Options{
		Requests:        requests,
		Quota:           ledger,
		Cache:           jobcache.New(),
		Remote:          remote,
		Store:           store,
		Logger:          logger,
		WebhookURL:      webhookURL(cfg),
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
	})
	defer orch.Close()

	app := handlers.NewApp(cfg, logger, orch, ledger, users, requests, store)
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
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

func webhookURL(cfg *infra.Config) string {
	if cfg.WebhookBaseURL == "" {
		return ""
	}
	return strings.TrimRight(cfg.WebhookBaseURL, "/") + "/api/webhook/runpod"
}
