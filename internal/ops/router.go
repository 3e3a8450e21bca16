// Package ops is the per-worker operational surface: liveness, readiness,
// and queue depths. DLQ depth growth here is the observable symptom of
// pipeline failure.
package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/queue"
)

type RouterConfig struct {
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Queues  []queue.Queue
	Env     string
	Process string
	Logger  zerolog.Logger
}

type QueueDepth struct {
	Queue   string `json:"queue"`
	Ready   int64  `json:"ready"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Process)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/queues", queueDepthsHandler(cfg.Queues))

	return r
}

func queueDepthsHandler(queues []queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depths := make([]QueueDepth, 0, len(queues))
		for _, q := range queues {
			ready, delayed, dead, err := q.Depth(r.Context())
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error": err.Error(),
				})
				return
			}
			depths = append(depths, QueueDepth{
				Queue:   q.Name(),
				Ready:   ready,
				Delayed: delayed,
				Dead:    dead,
			})
		}
		writeJSON(w, http.StatusOK, depths)
	}
}
