// Package main runs the video encoding API: provider webhooks, ops endpoints, the
// live queue feed, and the encoding pipeline, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-video/backend/config"
	"github.com/aura-video/backend/internal/auth"
	"github.com/aura-video/backend/internal/middleware"
	"github.com/aura-video/backend/internal/ops"
	"github.com/aura-video/backend/internal/pipeline"
	"github.com/aura-video/backend/internal/realtime"
	"github.com/aura-video/backend/internal/videos"
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

	blobs, err := storage.NewS3(ctx, s3Config(cfg), logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}

	p, err := pipeline.New(cfg, pool, rdb, blobs, logger)
	if err != nil {
		logger.Fatal("pipeline", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	pubsub := realtime.NewRedisPubSub(rdb.Client, hostname, logger)
	hub := realtime.NewHub(logger, pubsub, pubsub, p.Queue.GetStats)
	p.Queue.Observe(hub)

	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	defer pipelineCancel()
	if err := hub.Start(pipelineCtx); err != nil {
		logger.Warn("queue event subscription unavailable, serving local events only", zap.Error(err))
	}
	p.Start(pipelineCtx)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	webhookHandler := videos.NewWebhookHandler(p.Videos, blobs.ManifestURL, cfg.Encoding.WebhookSecret, logger)
	opsHandler := ops.NewHandler(p.Queue, p.Videos, p.Watchdog, p.Publisher, p.Scheduler, logger)

	if cfg.Encoding.WebhookSecret == "" {
		logger.Warn("ENCODING_WEBHOOK_SECRET is empty, encoding callbacks are unauthenticated")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", opsHandler.Health)
	router.POST("/webhooks/encoding", webhookHandler.EncodingCallback)
	router.GET("/encoding/events", realtime.ServeEvents(hub, logger, jwtService.Authenticate, cfg.Server.OpsRoles...))

	api := router.Group("")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(cfg.Server.OpsRoles...))
	opsHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	pipelineCancel()
	hub.Close()
	p.Wait()
	logger.Info("server stopped")
}

func s3Config(cfg *config.Config) storage.S3Config {
	return storage.S3Config{
		Region:               cfg.Storage.Region,
		AccessKeyID:          cfg.Storage.AccessKeyID,
		SecretAccessKey:      cfg.Storage.SecretAccessKey,
		Endpoint:             cfg.Storage.Endpoint,
		Account:              cfg.Storage.Account,
		InputBucket:          cfg.Storage.InputBucket,
		EncodedBucket:        cfg.Storage.EncodedBucket,
		CDNEndpoint:          cfg.Storage.CDNEndpoint,
		PresignExpireMinutes: cfg.Storage.PresignExpireMinutes,
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
