package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/appointment"
	"github.com/careflow/appointment-pipeline/internal/config"
	"github.com/careflow/appointment-pipeline/internal/db"
	"github.com/careflow/appointment-pipeline/internal/ops"
	"github.com/careflow/appointment-pipeline/internal/pipeline"
	"github.com/careflow/appointment-pipeline/internal/queue"
	redisclient "github.com/careflow/appointment-pipeline/internal/redis"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("process", "request-worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Str("env", cfg.Env).Str("queue", cfg.RequestQueue).Msg("request-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := appointment.NewPgRepository(pgPool)
	requests := redisclient.NewQueue(rdb, cfg.RequestQueue, redisclient.QueueOptions{
		MaxAttempts: cfg.MaxAttempts,
		Visibility:  cfg.VisibilityTimeout,
	})

	stage := pipeline.NewRequestStage(repo, cfg, log)
	worker := pipeline.NewWorker(requests, stage.Handle, log, cfg.WorkerCount, cfg.HandlerTimeout, cfg.RetryDelay)

	opsSrv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: ops.NewRouter(ops.RouterConfig{
			PgPool:  pgPool,
			Redis:   rdb,
			Queues:  []queue.Queue{requests},
			Env:     cfg.Env,
			Process: "request-worker",
			Logger:  log,
		}),
	}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops listener error")
		}
	}()

	worker.Run(rootCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops listener shutdown error")
	}

	log.Info().Msg("request-worker stopped")
}
