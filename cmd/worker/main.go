// Package main runs the encoding pipeline without HTTP: the queue dispatcher, the
// encoding watchdog and the scheduled-publish tasks. Queue events are published
// to Redis for the server's operator stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-video/backend/config"
	"github.com/aura-video/backend/internal/pipeline"
	"github.com/aura-video/backend/internal/realtime"
	"github.com/aura-video/backend/pkg/database"
	"github.com/aura-video/backend/pkg/redis"
	"github.com/aura-video/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	blobs, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.Storage.Region,
		AccessKeyID:          cfg.Storage.AccessKeyID,
		SecretAccessKey:      cfg.Storage.SecretAccessKey,
		Endpoint:             cfg.Storage.Endpoint,
		Account:              cfg.Storage.Account,
		InputBucket:          cfg.Storage.InputBucket,
		EncodedBucket:        cfg.Storage.EncodedBucket,
		CDNEndpoint:          cfg.Storage.CDNEndpoint,
		PresignExpireMinutes: cfg.Storage.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}

	p, err := pipeline.New(cfg, pool, rdb, blobs, logger)
	if err != nil {
		logger.Fatal("pipeline", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	hub := realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, hostname, logger), nil, nil)
	p.Queue.Observe(hub)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hub.Start(workerCtx); err != nil {
		logger.Warn("queue event publishing unavailable", zap.Error(err))
	}
	p.Start(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	hub.Close()
	p.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
