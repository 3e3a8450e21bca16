package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrPreconditionFailed means a conditional write matched no row: the
	// stored status or version differs from the caller's expectation. The
	// caller re-reads to decide between duplicate no-op and hard conflict.
	ErrPreconditionFailed = errors.New("store precondition failed")
)

// Repository contains all store interactions needed by the pipeline stages.
// Every mutation is conditional; there are no unconditional overwrites.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByRequestID(ctx context.Context, requestID string) (*Appointment, error)

	// ListActiveByPatientDate returns the patient's non-cancelled
	// appointments on a date, for the conflict check.
	ListActiveByPatientDate(ctx context.Context, patientID uuid.UUID, date string) ([]Appointment, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Appointment, error)

	// CreateAppointment inserts the appointment only if no non-cancelled
	// appointment for the same patient overlaps its window, keyed on
	// RequestID for duplicate submissions. Returns false without error
	// when the guarded insert wrote nothing.
	CreateAppointment(ctx context.Context, a *Appointment) (bool, error)

	// TransitionStatus applies from -> to as a single conditional write,
	// optionally also keyed on an expected version. Returns
	// ErrPreconditionFailed when the stored row no longer matches.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, expectedVersion *int64) (*Appointment, error)

	// MarkReminded records the reminder timestamp only while the
	// appointment is CONFIRMED and the new timestamp is later than any
	// already stored. Returns false when the condition did not hold.
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// FindElapsedConfirmed returns CONFIRMED appointments whose end time
	// has passed, for the completion sweeper.
	FindElapsedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error)

	RecordEvent(ctx context.Context, ev Event) error
}
