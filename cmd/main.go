package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketchat/internal/api/handler"
	"marketchat/internal/chathub"
	"marketchat/internal/config"
	"marketchat/internal/obs"
	"marketchat/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDependencies(ctx context.Context, cfg config.Config, log *logrus.Entry) (*gorm.DB, *redis.Client, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, err
	}

	log.Info("database and redis connections established")
	return db, rdb, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	base := obs.NewLogger(cfg.Env, cfg.LogLevel)
	log := obs.Component(base, "relay")
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, rdb, err := setupDependencies(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect dependencies")
	}
	defer rdb.Close()

	s := storage.NewStorageService(db, rdb, obs.Component(base, "storage"))
	if err := s.Migrate(); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	hub := chathub.NewManagerService(s, obs.Component(base, "hub"))
	go hub.Run(ctx)

	tokens := handler.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	h := handler.NewHandler(hub, s, tokens, cfg.AllowedOrigins, obs.Component(base, "http"))

	server := &http.Server{
		Addr:           cfg.RelayAddr,
		Handler:        h.Router(cfg.Env != "production"),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.WithField("addr", cfg.RelayAddr).Info("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	<-hub.Done()
}
