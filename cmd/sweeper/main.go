package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/appointment"
	"github.com/careflow/appointment-pipeline/internal/config"
	"github.com/careflow/appointment-pipeline/internal/db"
	"github.com/careflow/appointment-pipeline/internal/pipeline"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("process", "sweeper").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Str("env", cfg.Env).Dur("interval", cfg.SweepInterval).Msg("sweeper starting up")

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

	repo := appointment.NewPgRepository(pgPool)
	sweeper := pipeline.NewSweeper(repo, log)

	// Run once at startup
	runOnce(rootCtx, sweeper, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, sweeper, log)
		}
	}
}

func runOnce(ctx context.Context, sweeper *pipeline.Sweeper, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := sweeper.CompleteElapsed(runCtx); err != nil {
		log.Warn().Err(err).Msg("sweep run error")
		return
	}
	log.Debug().Dur("took", time.Since(start)).Msg("sweep run complete")
}
