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

	"photopipe/internal/adapter/repo"
	"photopipe/internal/infra"
	"photopipe/internal/objstore"
	"photopipe/internal/pipeline"
	"photopipe/internal/providers"
	"photopipe/internal/providers/freepik"
	"photopipe/internal/providers/gemini"
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

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to ensure schema")
	}

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	segmenter, err := freepik.NewClient(freepik.Options{
		APIKey:     cfg.FreepikAPIKey,
		BaseURL:    cfg.FreepikBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure freepik client")
	}

	geminiClient, err := gemini.NewClient(gemini.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.PollInterval = cfg.PipelinePollInterval
	pipelineCfg.Concurrency = cfg.PipelineConcurrency
	pipelineCfg.MaxStageAttempts = cfg.MaxStageAttempts
	pipelineCfg.BackgroundVariants = cfg.BackgroundVariants
	pipelineCfg.Backoff = providers.Backoff{
		Initial:     cfg.VendorPollInitial,
		Multiplier:  2,
		Cap:         cfg.VendorPollCap,
		MaxAttempts: cfg.VendorPollAttempts,
	}

	processor := pipeline.NewProcessor(jobs, objects, pipeline.Operations{
		Segment:    segmenter,
		Background: gemini.NewBackgroundOp(geminiClient),
		Composite:  gemini.NewCompositeOp(geminiClient),
	}, pipelineCfg, logger)

	logger.Info().
		Str("model", geminiClient.Model()).
		Int("concurrency", pipelineCfg.Concurrency).
		Msg("worker: started")

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func buildObjectStore(ctx context.Context, cfg *infra.Config) (objstore.Store, error) {
	if cfg.StorageBackend == "minio" {
		return objstore.NewMinioStore(ctx, objstore.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Prefix:    cfg.MinioPathPrefix,
		})
	}
	return objstore.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL, []byte(cfg.StorageSignKey))
}
