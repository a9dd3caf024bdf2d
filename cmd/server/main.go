// Package main is the entry point for the listing intake HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/popeskul/listing-intake/internal/config"
	"github.com/popeskul/listing-intake/internal/handler"
	"github.com/popeskul/listing-intake/internal/infrastructure/migrate"
	"github.com/popeskul/listing-intake/internal/middleware"
	"github.com/popeskul/listing-intake/internal/repository"
	"github.com/popeskul/listing-intake/internal/service"
)

func configPath() string {
	if p := os.Getenv("INTAKE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if cfg.Server.AutoMigrate {
		runner := migrate.NewRunner(&migrate.Config{
			DatabaseURL:    cfg.Database.GetURL(),
			MigrationsPath: cfg.Server.Migrations,
		}, logger)
		if _, err := runner.Up(0); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", zap.Error(err))
		}
	}()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}()

	repo := repository.NewRepository(db)
	svc, err := service.NewService(ctx, cfg, repo, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to create services", zap.Error(err))
	}

	h := handler.NewHandler(svc, handler.Options{
		VerifyToken: cfg.WhatsApp.VerifyToken,
		AdminToken:  cfg.Admin.Token,
	}, logger)

	router := setupRouter(h, routerConfig{
		AppSecret:  cfg.WhatsApp.AppSecret,
		AdminToken: cfg.Admin.Token,
	}, logger)
	if cfg.WhatsApp.AppSecret == "" {
		logger.Warn("whatsapp.app_secret is empty, webhook signatures are not checked")
	}

	chain, rateLimiter := middleware.Chain(&middleware.Config{
		Logger:          logger,
		RateLimit:       rate.Limit(cfg.Middleware.RateLimit),
		RateLimitBurst:  cfg.Middleware.RateLimitBurst,
		RateLimitExempt: isWebhookDelivery,
		RequestTimeout:  time.Duration(cfg.Middleware.RequestTimeout) * time.Second,
	})
	defer rateLimiter.Stop()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      chain(router),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := svc.Sweeper.Start(); err != nil {
		logger.Error("Failed to start orphan sweeper", zap.Error(err))
	} else {
		logger.Info("Orphan sweeper started")
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("Server failed", zap.Error(err))
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if svc.Sweeper.IsRunning() {
		if err := svc.Sweeper.Stop(); err != nil {
			logger.Error("Failed to stop orphan sweeper", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
