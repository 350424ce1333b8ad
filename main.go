package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/birdsnap/internal/auth"
	"github.com/example/birdsnap/internal/classifier"
	"github.com/example/birdsnap/internal/config"
	"github.com/example/birdsnap/internal/grpcclient"
	"github.com/example/birdsnap/internal/handlers"
	"github.com/example/birdsnap/internal/labels"
	"github.com/example/birdsnap/internal/logging"
	"github.com/example/birdsnap/internal/metrics"
	"github.com/example/birdsnap/internal/repository"
	"github.com/example/birdsnap/internal/retry"
	"github.com/example/birdsnap/internal/storage"
	"github.com/example/birdsnap/internal/usecase"
	"github.com/example/birdsnap/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewSnapRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	store, err := storage.New(cfg.StoragePath, logger)
	if err != nil {
		logger.Fatal("failed to prepare storage", zap.Error(err))
	}

	cls, closer, err := initClassifier(ctx, cfg.Classifier, logger)
	if err != nil {
		logger.Fatal("failed to initialise classifier", zap.Error(err))
	}
	defer closer.Close()

	table, err := initLabels(cfg.LabelsFile)
	if err != nil {
		logger.Fatal("failed to load labels", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	pool := worker.New(cfg.Worker.Count, cfg.Worker.QueueSize, pipelineMetrics, logger)

	opts := []usecase.Option{
		usecase.WithRecorder(pipelineMetrics),
		usecase.WithClassifyRetry(retry.Policy{
			Attempts:       cfg.Classifier.RetryAttempts,
			InitialBackoff: cfg.Classifier.InitialBackoff,
			MaxBackoff:     cfg.Classifier.MaxBackoff,
		}),
	}
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))))
	}
	uc := usecase.NewSnapUseCase(repo, store, cls, pool, logger, opts...)

	if _, err := uc.ResumeUnfinished(ctx); err != nil {
		logger.Error("failed to resume unfinished snaps", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept-Language", handlers.DeviceIDHeader, auth.APIKeyHeader},
			ExposeHeaders: []string{"Content-Length", "Content-Language"},
			MaxAge:        12 * time.Hour,
		}))
	}

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Snaps:          uc,
		Labels:         table,
		Gatherer:       registry,
		Logger:         logger,
		RequireUser:    auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		OptionalUser:   auth.OptionalJWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		RequireAPIKey:  auth.APIKeyMiddleware(cfg.APIKey),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("birdsnap API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		logger.Warn("classification workers did not drain; unfinished snaps resume on next start", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		zapLogger.Fatal("unsupported database driver", zap.String("driver", cfg.DatabaseDriver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	if cfg.DatabaseDriver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (classifier.Classifier, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendGRPC:
		cls, conn, err := grpcclient.DialClassifier(ctx, cfg.GRPCAddr, cfg.Threshold, logger)
		if err != nil {
			return nil, nil, err
		}
		return cls, conn, nil
	case config.BackendStatic:
		logger.Warn("using static classifier; every snap ends without a detected bird")
		return &classifier.Static{Threshold: cfg.Threshold}, io.NopCloser(nil), nil
	default:
		return classifier.NewRoboflow(classifier.RoboflowConfig{
			BaseURL:   cfg.RoboflowURL,
			APIKey:    cfg.RoboflowKey,
			Model:     cfg.RoboflowModel,
			Threshold: cfg.Threshold,
			Timeout:   cfg.Timeout,
		}, logger), io.NopCloser(nil), nil
	}
}

func initLabels(path string) (*labels.Table, error) {
	if path == "" {
		return labels.Default(), nil
	}
	return labels.LoadFile(path)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
