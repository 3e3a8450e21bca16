package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// transitions is the full lifecycle graph. CANCELLED and COMPLETED have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusRequested: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

const (
	// DateLayout is the wire format for appointmentDate.
	DateLayout = "2006-01-02"
	// ClockLayout is the wire format for startTime/endTime.
	ClockLayout = "15:04"
)

type Patient struct {
	ID          uuid.UUID
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	DateOfBirth *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p *Patient) FullName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Appointment struct {
	ID        uuid.UUID
	RequestID string // client idempotency key, unique
	PatientID uuid.UUID
	Date      string // DateLayout
	StartTime string // ClockLayout
	EndTime   string // ClockLayout
	Status    Status
	Notes     string
	// Version increments on every accepted mutation and backs the
	// optimistic-concurrency precondition.
	Version        int64
	LastRemindedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// ExpiresAt is the retention deadline after which the store may purge
	// the record.
	ExpiresAt time.Time
}

// StartAt combines Date and StartTime into a UTC instant.
func (a *Appointment) StartAt() (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+ClockLayout, a.Date+" "+a.StartTime, time.UTC)
}

// EndAt combines Date and EndTime into a UTC instant.
func (a *Appointment) EndAt() (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+ClockLayout, a.Date+" "+a.EndTime, time.UTC)
}

// Overlaps reports whether the half-open windows [aStart, aEnd) and
// [bStart, bEnd) intersect. Back-to-back windows do not overlap.
// Malformed input counts as an overlap so a bad row can never slip past
// the conflict check.
func Overlaps(aStart, aEnd, bStart, bEnd string) bool {
	as, err1 := time.Parse(ClockLayout, aStart)
	ae, err2 := time.Parse(ClockLayout, aEnd)
	bs, err3 := time.Parse(ClockLayout, bStart)
	be, err4 := time.Parse(ClockLayout, bEnd)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return true
	}
	return as.Before(be) && bs.Before(ae)
}

// RetentionDeadline derives the purge timestamp for an appointment on the
// given date.
func RetentionDeadline(date string, retention time.Duration) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(retention), nil
}

// Event is an audit row appended after an accepted transition.
type Event struct {
	ID            int64
	AppointmentID uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

const (
	EventAppointmentRequested = "APPOINTMENT_REQUESTED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventReminderSent         = "REMINDER_SENT"
)
