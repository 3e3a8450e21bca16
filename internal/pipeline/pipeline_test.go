package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careflow/appointment-pipeline/internal/appointment"
	"github.com/careflow/appointment-pipeline/internal/config"
	"github.com/careflow/appointment-pipeline/internal/notify"
	"github.com/careflow/appointment-pipeline/internal/queue"
)

// -- Mock repository --
//
// mockRepo mirrors the store's conditional-write semantics in memory so
// stage tests exercise the same precondition outcomes the pgx
// implementation produces.

type mockRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*appointment.Patient
	appts    map[uuid.UUID]*appointment.Appointment
	events   []appointment.Event

	// failWith makes every store call fail, simulating an outage.
	// markFailWith fails only MarkReminded.
	failWith     error
	markFailWith error

	// hideActive makes ListActiveByPatientDate return nothing, simulating
	// a concurrent insert that commits between the advisory read and the
	// guarded create.
	hideActive bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		patients: make(map[uuid.UUID]*appointment.Patient),
		appts:    make(map[uuid.UUID]*appointment.Appointment),
	}
}

func (m *mockRepo) addPatient(p *appointment.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *mockRepo) addAppointment(a *appointment.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.appts[a.ID] = &cp
}

func (m *mockRepo) get(id uuid.UUID) appointment.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.appts[id]
}

func (m *mockRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return p, nil
}

func (m *mockRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	a, ok := m.appts[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) GetAppointmentByRequestID(_ context.Context, requestID string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, a := range m.appts {
		if a.RequestID == requestID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (m *mockRepo) ListActiveByPatientDate(_ context.Context, patientID uuid.UUID, date string) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	if m.hideActive {
		return nil, nil
	}
	var result []appointment.Appointment
	for _, a := range m.appts {
		if a.PatientID == patientID && a.Date == date && a.Status != appointment.StatusCancelled {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (m *mockRepo) ListByStatus(_ context.Context, status appointment.Status, limit int) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var result []appointment.Appointment
	for _, a := range m.appts {
		if a.Status == status && len(result) < limit {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (m *mockRepo) CreateAppointment(_ context.Context, a *appointment.Appointment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	for _, existing := range m.appts {
		if existing.RequestID == a.RequestID {
			return false, nil
		}
		if existing.PatientID == a.PatientID && existing.Date == a.Date &&
			existing.Status != appointment.StatusCancelled &&
			appointment.Overlaps(a.StartTime, a.EndTime, existing.StartTime, existing.EndTime) {
			return false, nil
		}
	}
	cp := *a
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	m.appts[a.ID] = &cp
	return true, nil
}

func (m *mockRepo) TransitionStatus(_ context.Context, id uuid.UUID, from, to appointment.Status, expectedVersion *int64) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	a, ok := m.appts[id]
	if !ok {
		return nil, appointment.ErrPreconditionFailed
	}
	if a.Status != from {
		return nil, appointment.ErrPreconditionFailed
	}
	if expectedVersion != nil && a.Version != *expectedVersion {
		return nil, appointment.ErrPreconditionFailed
	}
	a.Status = to
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func (m *mockRepo) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	if m.markFailWith != nil {
		return false, m.markFailWith
	}
	a, ok := m.appts[id]
	if !ok || a.Status != appointment.StatusConfirmed {
		return false, nil
	}
	if a.LastRemindedAt != nil && !a.LastRemindedAt.Before(at) {
		return false, nil
	}
	t := at
	a.LastRemindedAt = &t
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *mockRepo) FindElapsedConfirmed(_ context.Context, now time.Time) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var result []appointment.Appointment
	for _, a := range m.appts {
		if a.Status != appointment.StatusConfirmed {
			continue
		}
		end, err := a.EndAt()
		if err == nil && end.Before(now) {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (m *mockRepo) RecordEvent(_ context.Context, ev appointment.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// -- In-memory queue --

type enqueued struct {
	body      []byte
	notBefore time.Time
}

type memQueue struct {
	name string

	mu      sync.Mutex
	ready   []enqueued
	delayed []enqueued
	dedup   map[string]bool
	dead    []queue.DeadLetter
	retried []string // reasons
	acked   int

	failWith error
}

func newMemQueue(name string) *memQueue {
	return &memQueue{name: name, dedup: make(map[string]bool)}
}

func (q *memQueue) Name() string { return q.name }

func (q *memQueue) Enqueue(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.ready = append(q.ready, enqueued{body: body})
	return nil
}

func (q *memQueue) EnqueueAt(_ context.Context, body []byte, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.delayed = append(q.delayed, enqueued{body: body, notBefore: notBefore})
	return nil
}

func (q *memQueue) EnqueueUnique(_ context.Context, dedupKey string, body []byte, notBefore time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return false, q.failWith
	}
	if q.dedup[dedupKey] {
		return false, nil
	}
	q.dedup[dedupKey] = true
	q.delayed = append(q.delayed, enqueued{body: body, notBefore: notBefore})
	return true, nil
}

func (q *memQueue) Receive(_ context.Context) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, nil
	}
	next := q.ready[0]
	q.ready = q.ready[1:]
	return &queue.Message{
		ID:         uuid.New(),
		Queue:      q.name,
		Body:       next.body,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func (q *memQueue) Ack(_ context.Context, _ *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked++
	return nil
}

func (q *memQueue) Retry(_ context.Context, _ *queue.Message, reason string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, reason)
	return nil
}

func (q *memQueue) DeadLetter(_ context.Context, msg *queue.Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, queue.DeadLetter{
		Message:       *msg,
		FailureReason: reason,
		FailedAt:      time.Now().UTC(),
		AttemptCount:  msg.Attempts + 1,
	})
	return nil
}

func (q *memQueue) Depth(_ context.Context) (int64, int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), int64(len(q.delayed)), int64(len(q.dead)), nil
}

func (q *memQueue) delayedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

func (q *memQueue) lastDelayed() enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delayed[len(q.delayed)-1]
}

// -- Fake notifier --

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []notify.Notification
	failWith error
}

func (n *fakeNotifier) Send(_ context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// -- Shared fixtures --

func testConfig() config.Config {
	return config.Config{
		RetentionDays:    30,
		ReminderLeadTime: 24 * time.Hour,
		BusinessDayStart: "08:00",
		BusinessDayEnd:   "18:00",
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func requestMessage(t interface{ Fatalf(string, ...any) }, req queue.AppointmentRequest) *queue.Message {
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return &queue.Message{ID: uuid.New(), Queue: "appointment-requests", Body: body}
}

func intentMessage(t interface{ Fatalf(string, ...any) }, intent queue.ConfirmationIntent) *queue.Message {
	body, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	return &queue.Message{ID: uuid.New(), Queue: "appointment-confirmations", Body: body}
}

func noticeMessage(t interface{ Fatalf(string, ...any) }, notice queue.ReminderNotice) *queue.Message {
	body, err := json.Marshal(notice)
	if err != nil {
		t.Fatalf("marshal notice: %v", err)
	}
	return &queue.Message{ID: uuid.New(), Queue: "appointment-reminders", Body: body}
}
