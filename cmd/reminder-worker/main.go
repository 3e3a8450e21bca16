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
	"github.com/careflow/appointment-pipeline/internal/notify"
	"github.com/careflow/appointment-pipeline/internal/ops"
	"github.com/careflow/appointment-pipeline/internal/pipeline"
	"github.com/careflow/appointment-pipeline/internal/queue"
	redisclient "github.com/careflow/appointment-pipeline/internal/redis"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("process", "reminder-worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Str("env", cfg.Env).Str("queue", cfg.ReminderQueue).Msg("reminder-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

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
	reminders := redisclient.NewQueue(rdb, cfg.ReminderQueue, redisclient.QueueOptions{
		MaxAttempts: cfg.MaxAttempts,
		Visibility:  cfg.VisibilityTimeout,
	})
	notifier := notify.NewRedisNotifier(rdb, cfg.NotificationChannel, log)

	stage := pipeline.NewReminderStage(repo, reminders, notifier, cfg, log)
	worker := pipeline.NewWorker(reminders, stage.Handle, log, cfg.WorkerCount, cfg.HandlerTimeout, cfg.RetryDelay)

	opsSrv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: ops.NewRouter(ops.RouterConfig{
			PgPool:  pgPool,
			Redis:   rdb,
			Queues:  []queue.Queue{reminders},
			Env:     cfg.Env,
			Process: "reminder-worker",
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

	log.Info().Msg("reminder-worker stopped")
}
