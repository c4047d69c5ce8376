package main

import (
	"Go_Upload/config"
	"Go_Upload/internal/client"
	"Go_Upload/internal/dto"
	"Go_Upload/internal/logging"
	"Go_Upload/internal/protocol"
	"Go_Upload/internal/scheduler"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

func main() {
	cfg := config.LoadClientConfig()
	server := flag.String("server", cfg.ServerURL, "upload server URL")
	file := flag.String("file", "", "file to upload")
	concurrency := flag.Int("concurrency", cfg.MaxConcurrency, "chunks sent at once")
	retries := flag.Int("retries", cfg.MaxRetries, "retries per chunk")
	chunksPerSec := flag.Float64("rate", cfg.ChunksPerSec, "max chunks per second, 0 for unlimited")
	flag.Parse()

	logger := logging.New("uploader", cfg.LogLevel)
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: uploader -file PATH [-server URL] [-concurrency N] [-retries N] [-rate R]")
		os.Exit(2)
	}
	if err := run(logger, cfg, *server, *file, *concurrency, *retries, *chunksPerSec); err != nil {
		if errors.Is(err, scheduler.ErrPaused) {
			logger.Warn("upload paused, run again to resume")
			os.Exit(130)
		}
		logger.Error("upload failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.ClientConfig, server, path string, concurrency, retries int, chunksPerSec float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	// The first interrupt pauses; a second one cancels outright.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	api := client.New(server, cfg.RequestTimeout)

	upload, err := api.Initiate(ctx, filepath.Base(path), info.Size())
	if err != nil {
		return fmt.Errorf("initiate: %w", err)
	}
	logger.Info("upload initiated",
		"upload_id", upload.UploadID,
		"size", humanize.IBytes(uint64(info.Size())),
		"chunks", upload.TotalChunks,
		"already_received", len(upload.UploadedChunks),
	)

	if upload.Status != protocol.StatusAlreadyCompleted {
		sess, err := scheduler.NewSession(upload.UploadID, f, info.Size(), protocol.ChunkSize, upload.UploadedChunks)
		if err != nil {
			return err
		}
		sigs := make(chan os.Signal, 2)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		go func() {
			<-sigs
			logger.Warn("pausing, waiting for chunks in flight")
			sess.Pause()
			<-sigs
			cancel()
		}()

		sc := scheduler.Config{
			MaxConcurrency: concurrency,
			MaxRetries:     retries,
			ChunkSize:      protocol.ChunkSize,
			BackoffUnit:    cfg.BackoffUnit,
		}
		if chunksPerSec > 0 {
			sc.Limiter = rate.NewLimiter(rate.Limit(chunksPerSec), 1)
		}
		if err := scheduler.New(api, sc, &logReporter{logger: logger}).Run(ctx, sess); err != nil {
			return err
		}
	}

	res, err := finalize(ctx, api, upload.UploadID, cfg.PollInterval, logger)
	if err != nil {
		return err
	}
	logger.Info("upload complete",
		"upload_id", upload.UploadID,
		"status", res.Status,
		"sha256", res.Hash,
		"zip_entries", len(res.ZipEntries),
	)
	for _, name := range res.ZipEntries {
		fmt.Println(name)
	}
	return nil
}

// finalize calls Finalize until the server stops answering not_ready.
func finalize(ctx context.Context, api *client.Client, uploadID uint64, poll time.Duration, logger *slog.Logger) (*dto.FinalizeResponse, error) {
	for {
		res, err := api.Finalize(ctx, uploadID)
		if err != nil {
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || !apiErr.Retryable() {
				return nil, fmt.Errorf("finalize: %w", err)
			}
			logger.Warn("finalize failed, retrying", "err", err)
		} else if res.Status != protocol.StatusNotReady {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

type logReporter struct {
	logger *slog.Logger
}

func (r *logReporter) ChunkState(index int, state scheduler.ChunkState, err error) {
	if state == scheduler.StateError {
		r.logger.Error("chunk failed", "chunk", index, "err", err)
		return
	}
	r.logger.Debug("chunk", "chunk", index, "state", state)
}

func (r *logReporter) Progress(p scheduler.Progress) {
	r.logger.Info("progress",
		"chunks", fmt.Sprintf("%d/%d", p.Completed, p.Total),
		"percent", fmt.Sprintf("%.1f", p.Stats.Percent),
		"speed", humanize.IBytes(uint64(p.Stats.RateBps))+"/s",
		"eta", p.Stats.ETA.Round(time.Second),
	)
}
