// keystored is the software keystore daemon. It serves the key
// management and operation-session API over HTTP, backed by an
// in-memory or Redis key record store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/internal/api"
	"github.com/kenneth/keystore-client/internal/audit"
	"github.com/kenneth/keystore-client/internal/config"
	"github.com/kenneth/keystore-client/internal/debug"
	"github.com/kenneth/keystore-client/internal/metrics"
	"github.com/kenneth/keystore-client/internal/middleware"
	"github.com/kenneth/keystore-client/internal/storage/redisstore"
	"github.com/kenneth/keystore-client/internal/tracing"
	"github.com/kenneth/keystore-client/pkg/softstore"
)

// version is stamped by the build.
var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to the YAML configuration file")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("keystored", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := newLogger(cfg.Log)
	debug.InitFromLogLevel(cfg.Log.Level)
	metrics.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}
	defer shutdownTracing(context.Background())

	engineOpts := []softstore.Option{
		softstore.WithLogger(logger),
		softstore.WithMaxUpdateChunk(cfg.Engine.MaxUpdateChunk),
		softstore.WithMaxOperations(cfg.Engine.MaxOperations),
	}

	var readinessCheck func(context.Context) error
	if cfg.Storage.Type == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("Cannot reach Redis")
		}

		storeOpts := []redisstore.Option{redisstore.WithLogger(logger)}
		if cfg.Storage.Redis.KeyPrefix != "" {
			storeOpts = append(storeOpts, redisstore.WithPrefix(cfg.Storage.Redis.KeyPrefix))
		}
		engineOpts = append(engineOpts, softstore.WithStore(redisstore.New(client, storeOpts...)))
		readinessCheck = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		logger.WithField("address", cfg.Storage.Redis.Address).Info("Using Redis key store")
	} else {
		logger.Info("Using in-memory key store")
	}

	engine := softstore.New(engineOpts...)
	m := metrics.New(engine.LiveOperations)

	handlerOpts := []api.HandlerOption{}
	if readinessCheck != nil {
		handlerOpts = append(handlerOpts, api.WithReadinessCheck(readinessCheck))
	}
	if cfg.Audit.Enabled {
		auditLog, err := audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("Failed to set up audit logging")
		}
		defer auditLog.Close()
		handlerOpts = append(handlerOpts, api.WithAuditLogger(auditLog))
		logger.WithField("sink", cfg.Audit.Sink.Type).Info("Audit trail enabled")
	}

	handler := api.NewHandler(engine, logger, m, handlerOpts...)

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger, m))
	if cfg.Tracing.Enabled {
		router.Use(tracing.Middleware)
	}
	router.Use(api.AuthMiddleware(cfg.Server.AuthSecret))
	handler.RegisterRoutes(router)

	if *configPath != "" {
		go config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			applyLogConfig(logger, next.Log)
			debug.InitFromLogLevel(next.Log.Level)
		})
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.Server.Address,
			"version": version,
		}).Info("keystored listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.WithError(err).Fatal("Server failed")
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	applyLogConfig(logger, cfg)
	return logger
}

func applyLogConfig(logger *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}
