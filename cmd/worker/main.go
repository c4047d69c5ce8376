package main

import (
	"Go_Upload/config"
	"Go_Upload/internal/logging"
	"Go_Upload/internal/repo"
	"Go_Upload/internal/storage"
	"Go_Upload/internal/task"
	"Go_Upload/internal/worker"
	"Go_Upload/utils"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	config.InitConfig()
	logger := logging.New("archive-worker", config.AppConfig.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.InitMysql(); err != nil {
		fatal(logger, "mysql", err)
	}
	if err := storage.InitMinio(ctx); err != nil {
		fatal(logger, "minio", err)
	}
	blobs, err := storage.NewLocalBlobStore(config.StorageConfigInstance.UploadDir, config.StorageConfigInstance.BlobPattern)
	if err != nil {
		fatal(logger, "blob store", err)
	}

	proc := &task.Processor{
		DB:       repo.Db,
		Blobs:    blobs,
		Store:    storage.Default,
		NotifyTo: config.AppConfig.ArchiveNotifyTo,
		Notify:   utils.SendArchiveMail,
		Logger:   logger,
	}
	opts := worker.Options{
		Prefetch:    config.AppConfig.RabbitMQPrefetch,
		Concurrency: config.AppConfig.ArchiveWorkerConcurrency,
		Rate:        config.AppConfig.ArchiveRate,
		Burst:       config.AppConfig.ArchiveBurst,
		RetryMax:    config.AppConfig.ArchiveRetryMax,
		RetryDelays: config.AppConfig.ArchiveRetryDelays,
	}

	logger.Info("archive worker started")
	if err := worker.RunArchiveWorker(ctx, proc, opts, logger); err != nil {
		fatal(logger, "archive worker stopped", err)
	}
	logger.Info("archive worker stopped")
}

func fatal(logger *slog.Logger, what string, err error) {
	logger.Error(what, "err", err)
	os.Exit(1)
}
