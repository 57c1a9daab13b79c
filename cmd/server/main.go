// Package main runs the live session API, the signaling hub, and the
// background archive worker behind one HTTP server with graceful shutdown.
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

	"github.com/pulse-social/live/config"
	"github.com/pulse-social/live/internal/auth"
	"github.com/pulse-social/live/internal/chat"
	"github.com/pulse-social/live/internal/engagement"
	"github.com/pulse-social/live/internal/middleware"
	"github.com/pulse-social/live/internal/rooms"
	"github.com/pulse-social/live/internal/signaling"
	"github.com/pulse-social/live/internal/token"
	"github.com/pulse-social/live/internal/worker"
	"github.com/pulse-social/live/pkg/database"
	"github.com/pulse-social/live/pkg/queue"
	"github.com/pulse-social/live/pkg/redis"
	"github.com/pulse-social/live/pkg/response"
	"github.com/pulse-social/live/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
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

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := signaling.NewRedisPubSub(rdb.Client, logger)
	hub := signaling.NewHub(logger, redisPubSub, redisPubSub)

	sessionRepo := rooms.NewRepository(pool)
	descriptorCache := rooms.NewDescriptorCache(rdb.Client)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	clientCfg := rooms.ClientConfig{
		ICEServers:    cfg.WebRTC.ICEUrls,
		SignalingURL:  cfg.Signaling.URL,
		ProviderAppID: cfg.Zego.AppID,
	}
	var archives rooms.Presigner
	if s3Client != nil {
		archives = s3Client
	}
	sessionHandler := rooms.NewHandler(sessionRepo, descriptorCache, hub, jobQueue, archives, clientCfg, logger)

	// Presence from the hub feeds the persisted viewer and peak counts.
	hub.SetPresenceHandler(func(roomID string, count int) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess, err := sessionRepo.GetByRoom(ctx, roomID)
		if err != nil {
			return
		}
		if err := sessionRepo.UpdatePresence(ctx, sess.ID, count); err != nil {
			logger.Warn("update presence", zap.Error(err))
		}
	})

	chatRepo := chat.NewRepository(pool)
	chatHandler := chat.NewHandler(chatRepo, sessionRepo, redisPubSub)

	engagementHandler := engagement.NewHandler(sessionRepo, sessionRepo, redisPubSub, logger)
	tokenHandler := token.NewHandler(sessionRepo, jwtService, cfg.Zego, logger)

	archiveProcessor := worker.NewArchiveProcessor(sessionRepo, chatRepo, s3Client, jobQueue, logger)

	jwtValidate := func(t string) (userID, roomID, role string, err error) {
		claims, err := jwtService.Validate(t)
		if err != nil {
			return "", "", "", err
		}
		return claims.UserID.String(), claims.RoomID, claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Public discovery
	router.GET("/sessions", sessionHandler.ListLive)
	router.GET("/sessions/config", sessionHandler.Config)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.GET("/sessions/:id/descriptor", sessionHandler.Descriptor)
		api.POST("/sessions/:id/end", sessionHandler.End)
		api.GET("/sessions/:id/archive", sessionHandler.Archive)
		api.GET("/sessions/:id/token", tokenHandler.RoomToken)
		api.POST("/rtc/token", tokenHandler.RtcToken)

		api.POST("/sessions/:id/messages", chatHandler.Post)
		api.GET("/sessions/:id/messages", chatHandler.List)

		api.POST("/sessions/:id/engagement", engagementHandler.Record)
	}

	// WebSocket signaling (token in query; no Authorization header)
	router.GET("/ws", signaling.ServeWS(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (transcript archival to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go archiveProcessor.Run(workerCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
