// Package main runs the proctoring backend HTTP server with WebSocket and graceful shutdown.
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

	"github.com/invigilo/backend/config"
	"github.com/invigilo/backend/internal/attemptlog"
	"github.com/invigilo/backend/internal/auth"
	"github.com/invigilo/backend/internal/exams"
	"github.com/invigilo/backend/internal/middleware"
	"github.com/invigilo/backend/internal/models"
	"github.com/invigilo/backend/internal/modelstore"
	"github.com/invigilo/backend/internal/notify"
	"github.com/invigilo/backend/internal/proctoring"
	"github.com/invigilo/backend/internal/realtime"
	"github.com/invigilo/backend/internal/worker"
	"github.com/invigilo/backend/pkg/database"
	"github.com/invigilo/backend/pkg/queue"
	"github.com/invigilo/backend/pkg/redis"
	"github.com/invigilo/backend/pkg/response"
	"github.com/invigilo/backend/pkg/storage"
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
	var modelProvider *modelstore.Provider
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ModelsBucket:    cfg.AWS.ModelsBucket,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}
	if s3Client != nil {
		modelProvider = modelstore.NewProvider(s3Client, cfg.Models.Prefix, cfg.Models.CacheDir, logger)
		if missing, err := modelProvider.Ensure(ctx); err != nil {
			logger.Warn("model cache init failed", zap.Error(err))
		} else if len(missing) > 0 {
			logger.Warn("model assets missing", zap.Strings("models", missing))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	relay := realtime.NewRedisRelay(rdb.Client, logger)
	registry := realtime.NewRegistry(logger, relay)
	sfu := realtime.NewSFU(logger, realtime.ParseICEServers(cfg.WebRTC.ICEUrls))

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Proctoring pipeline: state store, audit queue, alert router.
	jobQueue := queue.NewQueue(rdb.Client, logger)
	auditor := proctoring.NewQueueAuditor(jobQueue, logger)
	store := proctoring.NewStore(cfg.Proctoring.RecentViolations)
	alertRouter := proctoring.NewRouter(proctoring.Config{
		WarningThreshold: cfg.Proctoring.WarningThreshold,
		Buffer:           cfg.Proctoring.RouterBuffer,
	}, store, registry, auditor, logger)

	routerCtx, routerCancel := context.WithCancel(context.Background())
	defer routerCancel()
	go alertRouter.Run(routerCtx)

	procRepo := proctoring.NewRepository(pool)
	procHandler := proctoring.NewHandler(alertRouter, procRepo, logger)

	// Exams and attempts
	examRepo := exams.NewRepository(pool)
	examHandler := exams.NewHandler(examRepo, alertRouter)

	// Room presence log
	presenceRepo := attemptlog.NewRepository(pool)
	presenceHandler := attemptlog.NewHandler(presenceRepo)
	registry.SetPresenceHandler(func(identity uuid.UUID, role models.Role, room string, joined bool) {
		examID, ok := models.ParseExamRoom(room)
		if !ok {
			return
		}
		ctx := context.Background()
		if joined {
			_ = presenceRepo.LogJoin(ctx, examID, identity, string(role))
		} else {
			_ = presenceRepo.LogLeave(ctx, examID, identity)
		}
	})

	// Background worker (audit rows + termination notices); also runnable
	// standalone via cmd/worker.
	mailer := notify.NewMailer(cfg.Email, logger)
	processor := worker.NewProctoringProcessor(procRepo, authRepo, examRepo, mailer, jobQueue, logger)

	jwtValidate := func(token string) (uuid.UUID, models.Role, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, models.Role(claims.Role), nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		// Users (admin only)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Exams
		api.GET("/exams", examHandler.List)
		api.POST("/exams", middleware.RequireRole("admin", "faculty"), examHandler.Create)
		api.GET("/exams/:id", examHandler.GetByID)
		api.PATCH("/exams/:id", middleware.RequireRole("admin", "faculty"), examHandler.Update)
		api.DELETE("/exams/:id", middleware.RequireRole("admin", "faculty"), examHandler.Delete)

		// Attempts
		api.POST("/exams/:id/attempts", middleware.RequireRole("student"), examHandler.StartAttempt)
		api.POST("/exams/:id/attempts/submit", middleware.RequireRole("student"), examHandler.SubmitAttempt)
		api.GET("/exams/:id/attempts", middleware.RequireRole("admin", "faculty"), examHandler.ListAttempts)
		api.GET("/exams/:id/students", middleware.RequireRole("admin", "faculty"), examHandler.ActiveStudents(registry))

		// Proctoring (monitoring view)
		api.GET("/exams/:id/proctoring", middleware.RequireRole("admin", "faculty"), procHandler.SnapshotExam)
		api.GET("/exams/:id/students/:studentID/violations", middleware.RequireRole("admin", "faculty"), procHandler.RecentViolations)
		api.GET("/exams/:id/presence", middleware.RequireRole("admin", "faculty"), presenceHandler.GetPresence)

		// Detection model assets (agents fetch before starting detectors)
		if modelProvider != nil {
			api.GET("/models/:name", modelProvider.ServeModel)
		}
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(registry, alertRouter, sfu, jwtValidate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go processor.Run(workerCtx)
	logger.Info("proctoring worker started")

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
	routerCancel()
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
