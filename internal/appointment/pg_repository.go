package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository implements Repository on Postgres. Times are stored as
// zero-padded HH:MM text so the overlap predicate can compare them
// lexicographically; callers normalize before insert.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, request_id, patient_id, appointment_date, start_time, end_time, status, notes, version, last_reminded_at, created_at, updated_at, expires_at`

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var dob *time.Time

	err := row.Scan(
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&p.Email,
		&p.Phone,
		&dob,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.DateOfBirth = dob
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var lastRemindedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.RequestID,
		&a.PatientID,
		&a.Date,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.Notes,
		&a.Version,
		&lastRemindedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.LastRemindedAt = lastRemindedAt
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, phone, date_of_birth, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByRequestID(ctx context.Context, requestID string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE request_id = $1
	`, requestID)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveByPatientDate(ctx context.Context, patientID uuid.UUID, date string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND appointment_date = $2
		  AND status <> 'CANCELLED'
	`, patientID, date)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = $1
		ORDER BY appointment_date, start_time
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// CreateAppointment performs the guarded insert. The NOT EXISTS clause is
// the conflict-check conditional write: of two racing requests for
// overlapping windows, only the first insert commits. ON CONFLICT on
// request_id makes a redelivered submission converge on the first
// writer's row without error.
//
// Under READ COMMITTED two concurrent inserts can both pass NOT EXISTS
// before either commits; the appointments_no_overlap exclusion constraint
// closes that window, and its violation is the loser's normal conflict
// outcome, not an error.
func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (id, request_id, patient_id, appointment_date, start_time, end_time, status, notes, version, created_at, updated_at, expires_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, 0, now(), now(), $9
		WHERE NOT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $3
			  AND appointment_date = $4
			  AND status <> 'CANCELLED'
			  AND start_time < $6
			  AND end_time > $5
		)
		ON CONFLICT (request_id) DO NOTHING
	`, a.ID, a.RequestID, a.PatientID, a.Date, a.StartTime, a.EndTime, a.Status, a.Notes, a.ExpiresAt)
	if err != nil {
		if isOverlapViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("create appointment: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// isOverlapViolation reports whether err is the exclusion-constraint
// rejection (SQLSTATE 23P01) of a concurrent overlapping insert.
func isOverlapViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, expectedVersion *int64) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		  AND ($4::bigint IS NULL OR version = $4)
		RETURNING `+appointmentColumns+`
	`, id, to, from, expectedVersion)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		// No row matched: missing id, wrong status, or stale version.
		return nil, ErrPreconditionFailed
	}
	return a, err
}

func (r *PgRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET last_reminded_at = $2,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'CONFIRMED'
		  AND (last_reminded_at IS NULL OR last_reminded_at < $2)
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark reminded: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) FindElapsedConfirmed(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'CONFIRMED'
		  AND (appointment_date::date + end_time::time) < ($1::timestamptz AT TIME ZONE 'UTC')
	`, now)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) RecordEvent(ctx context.Context, ev Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_events (appointment_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.AppointmentID, ev.EventType, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert appointment event: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
