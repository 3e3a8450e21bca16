package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/appointment"
	"github.com/careflow/appointment-pipeline/internal/config"
	"github.com/careflow/appointment-pipeline/internal/notify"
	"github.com/careflow/appointment-pipeline/internal/queue"
)

// ReminderStage emits reminder notifications for CONFIRMED appointments.
// A reminder that arrives early defers itself; one for an appointment no
// longer CONFIRMED is an idempotent skip. Duplicate notifications are
// suppressed through the last-reminded marker, best-effort.
type ReminderStage struct {
	repo      appointment.Repository
	reminders queue.Queue
	notifier  notify.Notifier
	cfg       config.Config
	log       zerolog.Logger
	now       func() time.Time
}

func NewReminderStage(repo appointment.Repository, reminders queue.Queue, notifier notify.Notifier, cfg config.Config, log zerolog.Logger) *ReminderStage {
	return &ReminderStage{
		repo:      repo,
		reminders: reminders,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.With().Str("stage", "reminder").Logger(),
		now:       time.Now,
	}
}

func (s *ReminderStage) Handle(ctx context.Context, msg *queue.Message) error {
	var notice queue.ReminderNotice
	if err := json.Unmarshal(msg.Body, &notice); err != nil {
		return validationf("malformed_payload", "could not parse reminder notice: %v", err)
	}

	id, err := uuid.Parse(notice.AppointmentID)
	if err != nil {
		return validationf("invalid_appointment_id", "appointmentId must be a valid UUID")
	}

	log := s.log.With().
		Stringer("message_id", msg.ID).
		Stringer("appointment_id", id).
		Int("attempt", msg.Attempts).
		Logger()

	now := s.now()

	// Early delivery: push the work back onto the delayed channel and
	// ack this copy. The dedup key keeps redelivered early copies from
	// stacking up duplicate delayed entries. Never a busy loop.
	if now.Before(notice.ScheduledSendTime) {
		deferred, err := s.reminders.EnqueueUnique(ctx, "reminder:defer:"+id.String(), msg.Body, notice.ScheduledSendTime)
		if err != nil {
			return transientf("defer reminder: %w", err)
		}
		if deferred {
			log.Debug().Time("send_at", notice.ScheduledSendTime).Msg("reminder not yet due, deferred")
		} else {
			log.Debug().Msg("duplicate early delivery, deferral already scheduled")
		}
		return nil
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			// A retention purge may legally race a late reminder.
			log.Info().Msg("appointment gone, reminder dropped")
			return nil
		}
		return transientf("load appointment: %w", err)
	}

	if appt.Status != appointment.StatusConfirmed {
		log.Info().Str("status", string(appt.Status)).Msg("appointment no longer confirmed, reminder dropped")
		return nil
	}

	if startAt, serr := appt.StartAt(); serr == nil && !startAt.After(now) {
		log.Info().Time("start_at", startAt).Msg("appointment already started, reminder dropped")
		return nil
	}

	// A redelivered copy of an already-handled notice stops here.
	if appt.LastRemindedAt != nil && !appt.LastRemindedAt.Before(notice.ScheduledSendTime) {
		log.Debug().Time("last_reminded_at", *appt.LastRemindedAt).Msg("duplicate delivery, reminder already sent")
		return nil
	}

	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		if errors.Is(err, appointment.ErrPatientNotFound) {
			return validationf("unknown_patient", "patient %s not found for appointment %s", appt.PatientID, id)
		}
		return transientf("load patient: %w", err)
	}

	notification := notify.Notification{
		Type:            notify.TypeReminder,
		AppointmentID:   appt.ID.String(),
		PatientID:       patient.ID.String(),
		PatientName:     patient.FullName(),
		PatientEmail:    patient.Email,
		PatientPhone:    patient.Phone,
		AppointmentDate: appt.Date,
		StartTime:       appt.StartTime,
		EndTime:         appt.EndTime,
		SentAt:          now.UTC(),
	}

	if err := s.notifier.Send(ctx, notification); err != nil {
		return transientf("send reminder notification: %w", err)
	}

	// The notification is out. Marker and audit failures downgrade to
	// logs; a redelivery may at worst send one extra reminder.
	marked, err := s.repo.MarkReminded(ctx, appt.ID, now.UTC())
	if err != nil {
		log.Warn().Err(err).Msg("reminder sent but marker update failed")
		return nil
	}
	if !marked {
		log.Debug().Msg("reminder marker already advanced by a concurrent worker")
		return nil
	}

	recordEvent(ctx, s.repo, s.log, appt.ID, appointment.EventReminderSent, map[string]any{
		"scheduled_send_time": notice.ScheduledSendTime,
	})

	log.Info().Msg("reminder sent")
	return nil
}
