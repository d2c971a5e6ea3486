package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"photopipe/internal/adapter/repo"
	"photopipe/internal/http/handlers"
	"photopipe/internal/http/httpapi"
	"photopipe/internal/infra"
	"photopipe/internal/objstore"
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

	jobs := repo.NewJobRepository(dbpool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}

	app := handlers.NewApp(cfg, logger, jobs, nil)
	switch cfg.StorageBackend {
	case "minio":
		store, err := objstore.NewMinioStore(ctx, objstore.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			Prefix:    cfg.MinioPathPrefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure minio storage")
		}
		app.Objects = store
	default:
		store, err := objstore.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL, []byte(cfg.StorageSignKey))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure filesystem storage")
		}
		app.Objects = store
		app.Files = store
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("api listening")
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
