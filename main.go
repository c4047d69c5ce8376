package main

import (
	"Go_Upload/config"
	"Go_Upload/internal/handler"
	"Go_Upload/internal/logging"
	"Go_Upload/internal/mq"
	"Go_Upload/internal/repo"
	"Go_Upload/internal/service"
	"Go_Upload/internal/storage"
	"Go_Upload/internal/task"
	"Go_Upload/router"
	"Go_Upload/utils"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// main initializes services and starts the HTTP server.
func main() {
	config.InitConfig()
	cfg := config.AppConfig
	logger := logging.New("upload-server", cfg.LogLevel)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.InitMysql(); err != nil {
		fatal(logger, "mysql", err)
	}
	if err := repo.InitRedis(); err != nil {
		fatal(logger, "redis", err)
	}
	blobs, err := storage.NewLocalBlobStore(config.StorageConfigInstance.UploadDir, config.StorageConfigInstance.BlobPattern)
	if err != nil {
		fatal(logger, "blob store", err)
	}

	opts := []service.Option{
		service.WithLocker(repo.NewRedisLocker(repo.Redis)),
		service.WithResultCache(service.NewRedisResultCache(utils.NewRedisCache(repo.Redis), cfg.ResultCacheTTL, logger)),
		service.WithLockTTL(cfg.FinalizeLockTTL),
		service.WithLogger(logger),
	}
	if config.StorageConfigInstance.Archive.Enabled {
		if err := storage.InitMinio(ctx); err != nil {
			fatal(logger, "minio", err)
		}
		publisher := func() (task.Publisher, error) { return mq.GetPublisher() }
		archiver := task.NewArchiver(repo.Db, publisher, config.StorageConfigInstance.Archive.Bucket, config.StorageConfigInstance.ArchivePrefix)
		opts = append(opts,
			service.WithArchiveQueue(archiver),
			service.WithArchiveLinker(service.NewArchiveLinker(storage.Default, cfg.ArchiveLinkTTL)),
		)
		defer mq.ClosePublisher()
	}

	coord := service.NewCoordinator(repo.NewGormLedger(repo.Db), blobs, opts...)
	engine := router.InitRouter(handler.NewUploadHandler(coord), logger, cfg.CORSOrigin)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("upload server listening", "addr", cfg.ListenAddr, "chunk_size", coord.ChunkSize())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		fatal(logger, "http server", err)
	}
	logger.Info("upload server stopped")
}

func fatal(logger *slog.Logger, what string, err error) {
	logger.Error(what, "err", err)
	os.Exit(1)
}
