// Package main runs the movie website backend: HTTP API, watch party
// WebSocket rooms and the live session engine, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vkq2808/movie-website-backend-sub001/config"
	"github.com/vkq2808/movie-website-backend-sub001/internal/auth"
	"github.com/vkq2808/movie-website-backend-sub001/internal/middleware"
	"github.com/vkq2808/movie-website-backend-sub001/internal/parties"
	"github.com/vkq2808/movie-website-backend-sub001/internal/party"
	"github.com/vkq2808/movie-website-backend-sub001/internal/realtime"
	"github.com/vkq2808/movie-website-backend-sub001/pkg/database"
	"github.com/vkq2808/movie-website-backend-sub001/pkg/redis"
	"github.com/vkq2808/movie-website-backend-sub001/pkg/response"
	"github.com/vkq2808/movie-website-backend-sub001/pkg/storage"
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
			MoviesBucket:         cfg.AWS.MoviesBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Watch party engine
	partyRepo := parties.NewRepository(pool)
	registry := party.NewRegistry(party.Config{
		ChatHistoryLimit: cfg.Party.ChatHistoryLimit,
		FlushInterval:    cfg.Party.FlushInterval,
		ShutdownTimeout:  cfg.Party.ShutdownTimeout,
		ReadyTimeout:     cfg.Party.ReadyTimeout,
	}, partyRepo, partyRepo, hub, logger)
	statusScheduler := party.NewStatusScheduler(partyRepo, cfg.Party.StatusInterval, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Parties (admin CRUD + live info)
	partyHandler := parties.NewHandler(partyRepo, registry, s3Client, logger)

	wsValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.FullName, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok", "live_parties": registry.Len()}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/parties", partyHandler.List)
		api.POST("/parties", middleware.RequireRole("admin"), partyHandler.Create)
		api.GET("/parties/:id", partyHandler.GetByID)
		api.DELETE("/parties/:id", middleware.RequireRole("admin"), partyHandler.Delete)
		api.GET("/parties/:id/live", partyHandler.Live)
		api.GET("/parties/:id/events", middleware.RequireRole("admin"), partyHandler.Events)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, registry, logger, wsValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	go registry.Run(engineCtx)
	go statusScheduler.Run(engineCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	// Sessions exist as soon as clients can reach them; recovery rebuilds
	// still-active parties from the durable store.
	hub.SetReady(true)
	go func() {
		if err := registry.RecoverOnStartup(engineCtx); err != nil {
			logger.Error("party recovery failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	engineCancel()
	registry.ShutdownSweep(cfg.Party.ShutdownTimeout)

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
