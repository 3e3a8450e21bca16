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

// ConfirmationStage applies REQUESTED -> CONFIRMED or REQUESTED ->
// CANCELLED as a single conditional write, notifies the patient, then
// schedules reminder work for confirmed appointments. Redelivered intents
// resolve to no-ops through the status precondition.
type ConfirmationStage struct {
	repo      appointment.Repository
	reminders queue.Queue
	notifier  notify.Notifier
	cfg       config.Config
	log       zerolog.Logger
	now       func() time.Time
}

func NewConfirmationStage(repo appointment.Repository, reminders queue.Queue, notifier notify.Notifier, cfg config.Config, log zerolog.Logger) *ConfirmationStage {
	return &ConfirmationStage{
		repo:      repo,
		reminders: reminders,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.With().Str("stage", "confirmation").Logger(),
		now:       time.Now,
	}
}

func (s *ConfirmationStage) Handle(ctx context.Context, msg *queue.Message) error {
	var intent queue.ConfirmationIntent
	if err := json.Unmarshal(msg.Body, &intent); err != nil {
		return validationf("malformed_payload", "could not parse confirmation intent: %v", err)
	}

	id, err := uuid.Parse(intent.AppointmentID)
	if err != nil {
		return validationf("invalid_appointment_id", "appointmentId must be a valid UUID")
	}

	log := s.log.With().
		Stringer("message_id", msg.ID).
		Stringer("appointment_id", id).
		Int("attempt", msg.Attempts).
		Logger()

	switch intent.Action {
	case queue.ActionConfirm:
		return s.confirm(ctx, log, id, intent.ExpectedVersion)
	case queue.ActionReject:
		return s.reject(ctx, log, id, intent.ExpectedVersion)
	default:
		return validationf("unknown_action", "action %q is not CONFIRM or REJECT", intent.Action)
	}
}

func (s *ConfirmationStage) confirm(ctx context.Context, log zerolog.Logger, id uuid.UUID, expectedVersion *int64) error {
	updated, err := s.repo.TransitionStatus(ctx, id, appointment.StatusRequested, appointment.StatusConfirmed, expectedVersion)
	if err != nil {
		if errors.Is(err, appointment.ErrPreconditionFailed) {
			return s.resolveConfirmPrecondition(ctx, log, id)
		}
		return transientf("confirm appointment: %w", err)
	}

	recordEvent(ctx, s.repo, s.log, id, appointment.EventAppointmentConfirmed, map[string]any{
		"version": updated.Version,
	})

	log.Info().Int64("version", updated.Version).Msg("appointment confirmed")

	s.notifyConfirmed(ctx, log, updated)

	return s.scheduleReminder(ctx, log, updated)
}

// notifyConfirmed tells the patient the appointment is confirmed. The
// transition is already committed, so a notification failure downgrades to
// a log and never fails the message.
func (s *ConfirmationStage) notifyConfirmed(ctx context.Context, log zerolog.Logger, appt *appointment.Appointment) {
	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		log.Warn().Err(err).Msg("patient lookup for confirmation notification failed")
		return
	}

	notification := notify.Notification{
		Type:            notify.TypeConfirmation,
		AppointmentID:   appt.ID.String(),
		PatientID:       patient.ID.String(),
		PatientName:     patient.FullName(),
		PatientEmail:    patient.Email,
		PatientPhone:    patient.Phone,
		AppointmentDate: appt.Date,
		StartTime:       appt.StartTime,
		EndTime:         appt.EndTime,
		SentAt:          s.now().UTC(),
	}

	if err := s.notifier.Send(ctx, notification); err != nil {
		log.Warn().Err(err).Msg("confirmation notification failed")
	}
}

// resolveConfirmPrecondition classifies a rejected conditional write by
// re-reading the row: already CONFIRMED is a duplicate-delivery no-op,
// anything else is permanent.
func (s *ConfirmationStage) resolveConfirmPrecondition(ctx context.Context, log zerolog.Logger, id uuid.UUID) error {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return validationf("appointment_not_found", "appointment %s not found", id)
		}
		return transientf("re-read after precondition failure: %w", err)
	}

	if current.Status == appointment.StatusConfirmed {
		log.Debug().Msg("duplicate delivery, appointment already confirmed")
		// A crash between the commit and the reminder enqueue redelivers
		// the intent onto this path; the dedup key keeps the re-attempt
		// from producing a second reminder.
		return s.scheduleReminder(ctx, log, current)
	}

	return conflictf("cannot confirm appointment in status %s", current.Status)
}

func (s *ConfirmationStage) scheduleReminder(ctx context.Context, log zerolog.Logger, appt *appointment.Appointment) error {
	startAt, err := appt.StartAt()
	if err != nil {
		return validationf("invalid_window", "stored start time unparseable: %v", err)
	}

	sendAt := startAt.Add(-s.cfg.ReminderLeadTime)
	if !sendAt.After(s.now()) {
		log.Info().Time("send_at", sendAt).Msg("appointment too soon, no reminder scheduled")
		return nil
	}

	body, err := json.Marshal(queue.ReminderNotice{
		AppointmentID:     appt.ID.String(),
		ScheduledSendTime: sendAt,
	})
	if err != nil {
		return transientf("marshal reminder notice: %w", err)
	}

	enqueued, err := s.reminders.EnqueueUnique(ctx, "reminder:"+appt.ID.String(), body, sendAt)
	if err != nil {
		// The confirmation is committed; redelivery replays the no-op
		// path and retries this enqueue.
		return transientf("enqueue reminder: %w", err)
	}

	if enqueued {
		log.Info().Time("send_at", sendAt).Msg("reminder scheduled")
	} else {
		log.Debug().Msg("reminder already scheduled")
	}
	return nil
}

func (s *ConfirmationStage) reject(ctx context.Context, log zerolog.Logger, id uuid.UUID, expectedVersion *int64) error {
	updated, err := s.repo.TransitionStatus(ctx, id, appointment.StatusRequested, appointment.StatusCancelled, expectedVersion)
	if err != nil {
		if errors.Is(err, appointment.ErrPreconditionFailed) {
			current, rerr := s.repo.GetAppointmentByID(ctx, id)
			if rerr != nil {
				if errors.Is(rerr, appointment.ErrAppointmentNotFound) {
					return validationf("appointment_not_found", "appointment %s not found", id)
				}
				return transientf("re-read after precondition failure: %w", rerr)
			}
			if current.Status == appointment.StatusCancelled {
				log.Debug().Msg("duplicate delivery, appointment already cancelled")
				return nil
			}
			return conflictf("cannot reject appointment in status %s", current.Status)
		}
		return transientf("reject appointment: %w", err)
	}

	recordEvent(ctx, s.repo, s.log, id, appointment.EventAppointmentCancelled, map[string]any{
		"version": updated.Version,
		"reason":  "rejected",
	})

	log.Info().Int64("version", updated.Version).Msg("appointment rejected")
	return nil
}
