// simulate drives synthetic traffic through the pipeline: it enqueues
// appointment requests for seeded patients, promotes a share of REQUESTED
// appointments with confirmation intents, and reports queue depths at the
// end of the run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/appointment"
	"github.com/careflow/appointment-pipeline/internal/config"
	"github.com/careflow/appointment-pipeline/internal/db"
	"github.com/careflow/appointment-pipeline/internal/queue"
	redisclient "github.com/careflow/appointment-pipeline/internal/redis"
)

type simMetrics struct {
	Requests      int64
	Confirmations int64
	Rejections    int64
	Errors        int64
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var (
		duration     = flag.Duration("duration", time.Minute, "how long to generate traffic")
		workers      = flag.Int("workers", 8, "concurrent producers")
		patientLimit = flag.Int("patients", 500, "patients sampled from the store")
		rejectRatio  = flag.Float64("reject-ratio", 0.1, "fraction of confirmation intents that reject")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration+30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	patients, err := loadPatientIDs(ctx, pool, *patientLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("load patients")
	}
	if len(patients) == 0 {
		log.Fatal().Msg("no patients found, run cmd/seed first")
	}
	log.Info().Int("patients", len(patients)).Dur("duration", *duration).Int("workers", *workers).Msg("simulation starting")

	requests := redisclient.NewQueue(rdb, cfg.RequestQueue, redisclient.QueueOptions{})
	confirmations := redisclient.NewQueue(rdb, cfg.ConfirmationQueue, redisclient.QueueOptions{})

	repo := appointment.NewPgRepository(pool)
	gofakeit.Seed(time.Now().UnixNano())

	var metrics simMetrics
	deadline := time.Now().Add(*duration)

	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) && ctx.Err() == nil {
				if err := produceRequest(ctx, requests, patients); err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
				} else {
					atomic.AddInt64(&metrics.Requests, 1)
				}
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}()
	}

	// One goroutine promotes whatever the request stage has admitted.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for time.Now().Before(deadline) && ctx.Err() == nil {
			<-ticker.C
			requested, err := repo.ListByStatus(ctx, appointment.StatusRequested, 50)
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			for i := range requested {
				action := queue.ActionConfirm
				if rand.Float64() < *rejectRatio {
					action = queue.ActionReject
				}
				if err := produceIntent(ctx, confirmations, requested[i].ID, action); err != nil {
					atomic.AddInt64(&metrics.Errors, 1)
					continue
				}
				if action == queue.ActionConfirm {
					atomic.AddInt64(&metrics.Confirmations, 1)
				} else {
					atomic.AddInt64(&metrics.Rejections, 1)
				}
			}
		}
	}()

	wg.Wait()

	log.Info().
		Int64("requests", metrics.Requests).
		Int64("confirmations", metrics.Confirmations).
		Int64("rejections", metrics.Rejections).
		Int64("errors", metrics.Errors).
		Msg("simulation finished")

	for _, q := range []queue.Queue{requests, confirmations} {
		ready, delayed, dead, err := q.Depth(ctx)
		if err != nil {
			log.Warn().Err(err).Str("queue", q.Name()).Msg("depth check failed")
			continue
		}
		log.Info().
			Str("queue", q.Name()).
			Int64("ready", ready).
			Int64("delayed", delayed).
			Int64("dead", dead).
			Msg("queue depth")
	}
}

func loadPatientIDs(ctx context.Context, pool *pgxpool.Pool, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func produceRequest(ctx context.Context, q queue.Queue, patients []uuid.UUID) error {
	date := time.Now().UTC().AddDate(0, 0, 1+rand.Intn(30))
	startHour := 8 + rand.Intn(9)
	start := time.Date(0, 1, 1, startHour, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	req := queue.AppointmentRequest{
		PatientID:       patients[rand.Intn(len(patients))].String(),
		AppointmentDate: date.Format(appointment.DateLayout),
		StartTime:       start.Format(appointment.ClockLayout),
		EndTime:         end.Format(appointment.ClockLayout),
		Notes:           gofakeit.Sentence(8),
		RequestID:       uuid.NewString(),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, body)
}

func produceIntent(ctx context.Context, q queue.Queue, appointmentID uuid.UUID, action string) error {
	body, err := json.Marshal(queue.ConfirmationIntent{
		AppointmentID: appointmentID.String(),
		Action:        action,
	})
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, body)
}
