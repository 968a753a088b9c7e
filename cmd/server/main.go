// Package main runs the attendance HTTP server with WebSocket and graceful shutdown.
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

	"github.com/electrothon/attendance/config"
	"github.com/electrothon/attendance/internal/auth"
	"github.com/electrothon/attendance/internal/classes"
	"github.com/electrothon/attendance/internal/faceverify"
	"github.com/electrothon/attendance/internal/middleware"
	"github.com/electrothon/attendance/internal/realtime"
	"github.com/electrothon/attendance/internal/worker"
	"github.com/electrothon/attendance/pkg/database"
	"github.com/electrothon/attendance/pkg/queue"
	"github.com/electrothon/attendance/pkg/redis"
	"github.com/electrothon/attendance/pkg/response"
	"github.com/electrothon/attendance/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var (
		users      auth.UserStore
		classStore classes.Store
	)
	if cfg.Database.InMemory() {
		logger.Warn("using in-memory storage; data is lost on restart")
		users = auth.NewMemoryStore()
		classStore = classes.NewMemoryStore()
	} else {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		users = auth.NewRepository(pool)
		classStore = classes.NewRepository(pool)
	}

	// Redis backs token revocation, frequency caching, report jobs and cross-instance broadcast.
	// Without it the server runs as a single instance.
	var (
		revoker  auth.Revoker = auth.NewMemoryRevoker()
		freq     classes.FrequencyCache
		reports  classes.ReportQueue
		jobQueue *queue.Queue
		hub      *realtime.Hub
	)
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("redis unavailable, running single instance", zap.Error(err))
		hub = realtime.NewHub(logger, nil, nil)
	} else {
		defer rdb.Close()
		revoker = auth.NewRedisRevoker(rdb.Client)
		freq = classes.NewRedisFrequencyCache(rdb.Client)
		jobQueue = queue.NewQueue(rdb.Client, logger)
		reports = jobQueue
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			FacesBucket:          cfg.AWS.FacesBucket,
			ReportsBucket:        cfg.AWS.ReportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	opts := classes.DefaultOptions()
	opts.StaleAfter = time.Duration(cfg.Server.StaleSessionHours) * time.Hour
	opts.FrequencyTTL = cfg.Server.FrequencyTTL
	classService := classes.NewService(classStore, users, freq, reports, opts, logger)

	// Interfaces stay nil when S3 is disabled so handlers answer 503.
	var (
		reportLinks classes.ReportLinker
		faceStore   faceverify.Store
	)
	if s3Client != nil {
		reportLinks = s3Client
		faceStore = s3Client
	}

	authHandler := auth.NewHandler(users, jwtService, revoker, logger)
	classHandler := classes.NewHandler(classService, reportLinks, logger)
	faceClient := faceverify.NewClient(cfg.Face.URL, cfg.Face.Threshold, time.Duration(cfg.Face.TimeoutSec)*time.Second, logger)
	faceHandler := faceverify.NewHandler(users, faceStore, faceClient, logger)
	wsRouter := realtime.NewRouter(classService, hub, cfg.Server.DedupWindow, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.Origins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	userGroup := router.Group("/user")
	{
		userGroup.POST("/register", authHandler.Register)
		userGroup.POST("/login", authHandler.Login)
	}

	jwtMiddleware := middleware.JWT(jwtService, revoker, logger)
	protectedUser := router.Group("/user", jwtMiddleware)
	{
		protectedUser.POST("/logout", authHandler.Logout)
		protectedUser.GET("/me", authHandler.Me)
	}
	classHandler.Register(router.Group("/class", jwtMiddleware))
	faceHandler.Register(router.Group("/face", jwtMiddleware))

	// WebSocket (token in query; no Authorization header required)
	authenticate := func(c *gin.Context, token string) (*auth.Claims, error) {
		return middleware.Authenticate(c, jwtService, revoker, token)
	}
	router.GET("/ws", realtime.ServeWs(hub, wsRouter, realtime.NewUpgrader(cfg.Server.Origins()), authenticate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (attendance reports to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil && jobQueue != nil {
		processor := worker.NewReportProcessor(classService, users, s3Client, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("report worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.Bool("in_memory", cfg.Database.InMemory()))
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
