package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/id-verifier/internal/auth"
	"github.com/example/id-verifier/internal/config"
	"github.com/example/id-verifier/internal/deepseek"
	"github.com/example/id-verifier/internal/handlers"
	"github.com/example/id-verifier/internal/logging"
	"github.com/example/id-verifier/internal/repository"
	"github.com/example/id-verifier/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := deepseek.NewClient(deepseek.Options{
		APIKey:      cfg.Upstream.APIKey,
		BaseURL:     cfg.Upstream.BaseURL,
		Model:       cfg.Upstream.Model,
		Temperature: cfg.Upstream.Temperature,
		MaxTokens:   cfg.Upstream.MaxTokens,
		Timeout:     cfg.Upstream.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create upstream client", zap.Error(err))
	}

	// Optional backends stay as untyped nil interfaces when disabled.
	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		cache = usecase.NewRedisCache(initRedis(ctx, cfg.Redis, logger))
	}

	var repo usecase.VerificationRepository
	if cfg.Database.DSN != "" {
		repo = initRepository(ctx, cfg.Database.DSN, logger)
	}

	uc := usecase.NewVerificationUseCase(client, repo, cache, usecase.Settings{
		MaxImageBytes:    cfg.Limits.MaxImageBytes,
		UpstreamTimeout:  cfg.Upstream.Timeout,
		MaxConcurrency:   cfg.Upstream.MaxConcurrency,
		BatchMaxFiles:    cfg.Limits.BatchMaxFiles,
		BatchConcurrency: cfg.Limits.BatchConcurrency,
		CacheTTL:         cfg.Redis.CacheTTL,
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	r := handlers.NewRouter(handlers.RouterOptions{AllowOrigins: cfg.HTTP.AllowOrigins, Logger: logger})
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.Auth.Secret, cfg.Auth.Audience))

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("verification proxy listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("model", cfg.Upstream.Model),
		zap.Bool("cache_enabled", cache != nil),
		zap.Bool("audit_enabled", repo != nil),
		zap.Bool("auth_enabled", cfg.Auth.Secret != ""),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initRepository(ctx context.Context, dsn string, zapLogger *zap.Logger) *repository.VerificationRepository {
	db, err := repository.Open(dsn)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	repo := repository.NewVerificationRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		zapLogger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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
