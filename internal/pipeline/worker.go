package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/queue"
)

// Handler processes one message. Its error value picks the disposition:
// nil acks, ValidationError/ConflictError dead-letter, everything else
// retries through the queue's redelivery budget.
type Handler func(ctx context.Context, msg *queue.Message) error

// Worker runs a pool of goroutines draining one queue into one handler.
type Worker struct {
	queue          queue.Queue
	handle         Handler
	log            zerolog.Logger
	concurrency    int
	handlerTimeout time.Duration
	retryDelay     time.Duration
}

func NewWorker(q queue.Queue, handle Handler, log zerolog.Logger, concurrency int, handlerTimeout, retryDelay time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		queue:          q,
		handle:         handle,
		log:            log.With().Str("queue", q.Name()).Logger(),
		concurrency:    concurrency,
		handlerTimeout: handlerTimeout,
		retryDelay:     retryDelay,
	}
}

// Run blocks until ctx is cancelled and all goroutines drained their
// in-flight message.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Int("concurrency", w.concurrency).Msg("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.log.Info().Msg("worker pool stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn().Err(err).Msg("receive failed")
			continue
		}
		if msg == nil {
			continue
		}

		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) {
	// Per-message deadline, kept inside the visibility timeout so an
	// abandoned handler is redelivered rather than doubly processed.
	hctx, cancel := context.WithTimeout(ctx, w.handlerTimeout)
	err := w.handle(hctx, msg)
	cancel()

	log := w.log.With().Stringer("message_id", msg.ID).Int("attempt", msg.Attempts).Logger()

	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, msg); ackErr != nil {
			// Redelivery after a failed ack is safe; the handler is
			// idempotent.
			log.Warn().Err(ackErr).Msg("ack failed")
		}

	case IsValidation(err), IsConflict(err):
		log.Warn().Str("reason", Reason(err)).Msg("permanent failure, dead-lettering")
		if dlErr := w.queue.DeadLetter(ctx, msg, Reason(err)); dlErr != nil {
			log.Error().Err(dlErr).Msg("dead-letter failed")
		}

	default:
		log.Warn().Err(err).Msg("transient failure, scheduling retry")
		if rErr := w.queue.Retry(ctx, msg, err.Error(), w.retryDelay); rErr != nil {
			log.Error().Err(rErr).Msg("retry scheduling failed")
		}
	}
}
