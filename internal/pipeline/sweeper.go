package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/appointment"
)

// Sweeper applies the time-based CONFIRMED -> COMPLETED transition once an
// appointment's end time has elapsed. It runs periodically and relies on
// the same conditional write as the stages, so overlapping sweep runs
// cannot double-complete a row.
type Sweeper struct {
	repo appointment.Repository
	log  zerolog.Logger
	now  func() time.Time
}

func NewSweeper(repo appointment.Repository, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo: repo,
		log:  log.With().Str("component", "sweeper").Logger(),
		now:  time.Now,
	}
}

func (s *Sweeper) CompleteElapsed(ctx context.Context) error {
	now := s.now()

	candidates, err := s.repo.FindElapsedConfirmed(ctx, now)
	if err != nil {
		return fmt.Errorf("find elapsed confirmed appointments: %w", err)
	}

	completed := 0
	for i := range candidates {
		appt := &candidates[i]

		_, err := s.repo.TransitionStatus(ctx, appt.ID, appointment.StatusConfirmed, appointment.StatusCompleted, nil)
		if err != nil {
			if errors.Is(err, appointment.ErrPreconditionFailed) {
				// Cancelled or completed since the read; nothing to do.
				continue
			}
			s.log.Warn().Err(err).Stringer("appointment_id", appt.ID).Msg("complete transition failed")
			continue
		}

		recordEvent(ctx, s.repo, s.log, appt.ID, appointment.EventAppointmentCompleted, map[string]any{
			"date":   appt.Date,
			"window": appt.StartTime + "-" + appt.EndTime,
		})
		completed++
	}

	if completed > 0 {
		s.log.Info().Int("completed", completed).Int("candidates", len(candidates)).Msg("sweep complete")
	}
	return nil
}
