package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"timevault/api/internal/app"
	"timevault/api/internal/auditpack"
	"timevault/api/internal/config"
	"timevault/api/internal/harden"
	"timevault/api/internal/jobs"
	"timevault/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := fallbackLog()
		fallback.Fatal().Err(err).Msg("configuration failed")
	}
	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)

	hardener, err := harden.New(harden.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.ExportBucket,
		Retention: cfg.Retention,
	}, dataStore, log)
	if err != nil {
		log.Fatal().Err(err).Msg("object storage client failed")
	}
	if err := hardener.EnsureBucket(ctx); err != nil {
		log.Fatal().Err(err).Msg("export bucket setup failed")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis url invalid")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	queue := jobs.NewQueueWithClient(redisClient)

	generator := auditpack.New(dataStore, hardener, log)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumer := jobs.NewConsumer(redisClient, generator, log)
	go consumer.Run(consumerCtx)

	service := app.NewService(dataStore, queue, log)
	httpServer := app.NewHTTPServer(service, cfg.APIToken, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("timevault api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopConsumer()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}

func fallbackLog() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
