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
	"github.com/careflow/appointment-pipeline/internal/queue"
)

const maxNotesLength = 500

// RequestStage admits new appointment requests: structural validation,
// patient lookup, conflict check, then the guarded create in REQUESTED
// state. It is the idempotency boundary for duplicate submissions, keyed
// on the client's requestId.
type RequestStage struct {
	repo appointment.Repository
	cfg  config.Config
	log  zerolog.Logger
	now  func() time.Time
}

func NewRequestStage(repo appointment.Repository, cfg config.Config, log zerolog.Logger) *RequestStage {
	return &RequestStage{
		repo: repo,
		cfg:  cfg,
		log:  log.With().Str("stage", "request").Logger(),
		now:  time.Now,
	}
}

func (s *RequestStage) Handle(ctx context.Context, msg *queue.Message) error {
	var req queue.AppointmentRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return validationf("malformed_payload", "could not parse request body: %v", err)
	}

	log := s.log.With().
		Stringer("message_id", msg.ID).
		Str("request_id", req.RequestID).
		Int("attempt", msg.Attempts).
		Logger()

	patientID, err := s.validate(&req)
	if err != nil {
		return err
	}

	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, appointment.ErrPatientNotFound) {
			return validationf("unknown_patient", "patient %s not found", req.PatientID)
		}
		return transientf("load patient: %w", err)
	}

	// Advisory pre-check so the rejection names the clashing window. The
	// authoritative check is the guarded insert below.
	existing, err := s.repo.ListActiveByPatientDate(ctx, patientID, req.AppointmentDate)
	if err != nil {
		return transientf("list appointments for conflict check: %w", err)
	}
	for i := range existing {
		if existing[i].RequestID == req.RequestID {
			log.Debug().Stringer("appointment_id", existing[i].ID).Msg("duplicate delivery, appointment already created")
			return nil
		}
		if appointment.Overlaps(req.StartTime, req.EndTime, existing[i].StartTime, existing[i].EndTime) {
			return conflictf("window %s-%s overlaps existing appointment %s (%s-%s)",
				req.StartTime, req.EndTime, existing[i].ID, existing[i].StartTime, existing[i].EndTime)
		}
	}

	expiresAt, err := appointment.RetentionDeadline(req.AppointmentDate, time.Duration(s.cfg.RetentionDays)*24*time.Hour)
	if err != nil {
		return validationf("invalid_date", "appointmentDate %q: %v", req.AppointmentDate, err)
	}

	appt := &appointment.Appointment{
		ID:        uuid.New(),
		RequestID: req.RequestID,
		PatientID: patientID,
		Date:      req.AppointmentDate,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Status:    appointment.StatusRequested,
		Notes:     req.Notes,
		Version:   0,
		ExpiresAt: expiresAt,
	}

	created, err := s.repo.CreateAppointment(ctx, appt)
	if err != nil {
		return transientf("create appointment: %w", err)
	}

	if !created {
		// The guarded insert wrote nothing: either this requestId already
		// has a row (redelivery) or a concurrent request won the window.
		prior, err := s.repo.GetAppointmentByRequestID(ctx, req.RequestID)
		if err == nil {
			log.Debug().Stringer("appointment_id", prior.ID).Msg("duplicate delivery, appointment already created")
			return nil
		}
		if !errors.Is(err, appointment.ErrAppointmentNotFound) {
			return transientf("resolve guarded insert: %w", err)
		}
		return conflictf("window %s-%s on %s lost to a concurrent request", req.StartTime, req.EndTime, req.AppointmentDate)
	}

	s.recordEvent(ctx, appt.ID, appointment.EventAppointmentRequested, map[string]any{
		"request_id": req.RequestID,
		"patient_id": req.PatientID,
		"date":       req.AppointmentDate,
		"window":     req.StartTime + "-" + req.EndTime,
	})

	log.Info().
		Stringer("appointment_id", appt.ID).
		Str("date", appt.Date).
		Str("window", appt.StartTime+"-"+appt.EndTime).
		Msg("appointment requested")

	return nil
}

// validate applies the structural rules and normalizes the time fields to
// zero-padded HH:MM so stored windows compare lexicographically.
func (s *RequestStage) validate(req *queue.AppointmentRequest) (uuid.UUID, error) {
	if req.RequestID == "" {
		return uuid.Nil, validationf("missing_field", "requestId is required")
	}
	if req.PatientID == "" {
		return uuid.Nil, validationf("missing_field", "patientId is required")
	}
	if req.AppointmentDate == "" || req.StartTime == "" || req.EndTime == "" {
		return uuid.Nil, validationf("missing_field", "appointmentDate, startTime and endTime are required")
	}
	if len(req.Notes) > maxNotesLength {
		return uuid.Nil, validationf("notes_too_long", "notes exceed %d characters", maxNotesLength)
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return uuid.Nil, validationf("invalid_patient_id", "patientId must be a valid UUID")
	}

	date, err := time.ParseInLocation(appointment.DateLayout, req.AppointmentDate, time.UTC)
	if err != nil {
		return uuid.Nil, validationf("invalid_date", "appointmentDate must be YYYY-MM-DD")
	}

	start, err := time.Parse(appointment.ClockLayout, req.StartTime)
	if err != nil {
		return uuid.Nil, validationf("invalid_time", "startTime must be HH:MM")
	}
	end, err := time.Parse(appointment.ClockLayout, req.EndTime)
	if err != nil {
		return uuid.Nil, validationf("invalid_time", "endTime must be HH:MM")
	}
	req.StartTime = start.Format(appointment.ClockLayout)
	req.EndTime = end.Format(appointment.ClockLayout)

	if !start.Before(end) {
		return uuid.Nil, validationf("invalid_window", "startTime must be before endTime")
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	if date.Before(today) {
		return uuid.Nil, validationf("date_in_past", "appointmentDate %s is in the past", req.AppointmentDate)
	}

	if req.StartTime < s.cfg.BusinessDayStart || req.EndTime > s.cfg.BusinessDayEnd {
		return uuid.Nil, validationf("outside_business_hours", "appointments must fall within %s-%s",
			s.cfg.BusinessDayStart, s.cfg.BusinessDayEnd)
	}

	return patientID, nil
}

func (s *RequestStage) recordEvent(ctx context.Context, id uuid.UUID, eventType string, payload map[string]any) {
	recordEvent(ctx, s.repo, s.log, id, eventType, payload)
}

// recordEvent appends an audit row. Audit is best-effort and never fails
// the mutation that produced it.
func recordEvent(ctx context.Context, repo appointment.Repository, log zerolog.Logger, id uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("marshal event payload")
		data = nil
	}

	ev := appointment.Event{
		AppointmentID: id,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}

	if err := repo.RecordEvent(ctx, ev); err != nil {
		log.Error().Err(err).
			Stringer("appointment_id", id).
			Str("event_type", eventType).
			Msg("record event")
	}
}
