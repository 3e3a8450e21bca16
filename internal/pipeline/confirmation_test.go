package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/careflow/appointment-pipeline/internal/appointment"
	"github.com/careflow/appointment-pipeline/internal/notify"
	"github.com/careflow/appointment-pipeline/internal/queue"
)

func newTestConfirmationStage(repo *mockRepo, reminders *memQueue, notifier *fakeNotifier) *ConfirmationStage {
	s := NewConfirmationStage(repo, reminders, notifier, testConfig(), testLogger())
	s.now = func() time.Time { return fixedNow }
	return s
}

func seedRequested(repo *mockRepo) *appointment.Appointment {
	patient := &appointment.Patient{
		ID:        uuid.New(),
		FirstName: "Rosalind",
		LastName:  "Franklin",
		Email:     "rosalind@example.com",
		Phone:     "+15550102",
	}
	repo.addPatient(patient)

	appt := &appointment.Appointment{
		ID:        uuid.New(),
		RequestID: uuid.NewString(),
		PatientID: patient.ID,
		Date:      "2025-06-01",
		StartTime: "09:00",
		EndTime:   "09:30",
		Status:    appointment.StatusRequested,
		Version:   0,
	}
	repo.addAppointment(appt)
	return appt
}

func TestConfirmationStageConfirms(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	stored := repo.get(appt.ID)
	require.Equal(t, appointment.StatusConfirmed, stored.Status)
	require.Equal(t, int64(1), stored.Version)

	// Exactly one reminder, scheduled at lead time before the 09:00 start.
	require.Equal(t, 1, reminders.delayedCount())
	scheduled := reminders.lastDelayed()

	var notice queue.ReminderNotice
	require.NoError(t, json.Unmarshal(scheduled.body, &notice))
	require.Equal(t, appt.ID.String(), notice.AppointmentID)

	wantSendAt := time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC)
	require.True(t, notice.ScheduledSendTime.Equal(wantSendAt),
		"scheduledSendTime = %v, want %v", notice.ScheduledSendTime, wantSendAt)
	require.True(t, scheduled.notBefore.Equal(wantSendAt))
}

func TestConfirmationStageSendsConfirmationNotification(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	require.Equal(t, 1, notifier.sentCount())
	sent := notifier.sent[0]
	require.Equal(t, notify.TypeConfirmation, sent.Type)
	require.Equal(t, appt.ID.String(), sent.AppointmentID)
	require.Equal(t, "Rosalind Franklin", sent.PatientName)
	require.Equal(t, "2025-06-01", sent.AppointmentDate)
	require.Equal(t, "09:00", sent.StartTime)
}

func TestConfirmationStageNotifierFailureDoesNotFailConfirm(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{failWith: context.DeadlineExceeded}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	require.NoError(t, stage.Handle(context.Background(), msg),
		"notification is best-effort and never fails the confirmation")

	require.Equal(t, appointment.StatusConfirmed, repo.get(appt.ID).Status)
	require.Equal(t, 1, reminders.delayedCount(), "reminder still scheduled")
}

func TestConfirmationStageRedeliveryIsNoOp(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	intent := queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	}
	require.NoError(t, stage.Handle(context.Background(), intentMessage(t, intent)))

	// Redeliver the identical intent.
	require.NoError(t, stage.Handle(context.Background(), intentMessage(t, intent)))

	stored := repo.get(appt.ID)
	require.Equal(t, appointment.StatusConfirmed, stored.Status)
	require.Equal(t, int64(1), stored.Version, "no double transition on redelivery")
	require.Equal(t, 1, reminders.delayedCount(), "no duplicate reminder on redelivery")
	require.Equal(t, 1, notifier.sentCount(), "no duplicate confirmation notification on redelivery")
}

func TestConfirmationStageConcurrentConfirmsSingleWinner(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	// Both workers read version 0; the store admits one transition.
	v0 := int64(0)
	intent := queue.ConfirmationIntent{
		AppointmentID:   appt.ID.String(),
		Action:          queue.ActionConfirm,
		ExpectedVersion: &v0,
	}

	require.NoError(t, stage.Handle(context.Background(), intentMessage(t, intent)))
	// The loser's conditional write is rejected, re-read finds the intended
	// outcome already holds, so it resolves to a no-op.
	require.NoError(t, stage.Handle(context.Background(), intentMessage(t, intent)))

	stored := repo.get(appt.ID)
	require.Equal(t, int64(1), stored.Version)
	require.Equal(t, 1, reminders.delayedCount())
	require.Equal(t, 1, notifier.sentCount())
}

func TestConfirmationStageStaleVersionAgainstCancelled(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	// Cancelled out from under the confirmation.
	_, err := repo.TransitionStatus(context.Background(), appt.ID,
		appointment.StatusRequested, appointment.StatusCancelled, nil)
	require.NoError(t, err)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	err = stage.Handle(context.Background(), msg)
	require.True(t, IsConflict(err), "confirming a cancelled appointment is permanent, got %v", err)

	stored := repo.get(appt.ID)
	require.Equal(t, appointment.StatusCancelled, stored.Status)
	require.Zero(t, reminders.delayedCount())
	require.Zero(t, notifier.sentCount())
}

func TestConfirmationStageRejects(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionReject,
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	stored := repo.get(appt.ID)
	require.Equal(t, appointment.StatusCancelled, stored.Status)
	require.Equal(t, int64(1), stored.Version)
	require.Zero(t, reminders.delayedCount())
	require.Zero(t, notifier.sentCount())

	// Redelivered reject is a no-op.
	require.NoError(t, stage.Handle(context.Background(), msg))
	require.Equal(t, int64(1), repo.get(appt.ID).Version)
}

func TestConfirmationStageRejectAfterConfirmIsConflict(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	notifier := &fakeNotifier{}
	stage := newTestConfirmationStage(repo, reminders, notifier)
	appt := seedRequested(repo)

	confirm := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	require.NoError(t, stage.Handle(context.Background(), confirm))

	reject := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionReject,
	})
	err := stage.Handle(context.Background(), reject)
	require.True(t, IsConflict(err))
	require.Equal(t, appointment.StatusConfirmed, repo.get(appt.ID).Status)
}

func TestConfirmationStageUnknownAppointment(t *testing.T) {
	repo := newMockRepo()
	stage := newTestConfirmationStage(repo, newMemQueue("appointment-reminders"), &fakeNotifier{})

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: uuid.NewString(),
		Action:        queue.ActionConfirm,
	})
	err := stage.Handle(context.Background(), msg)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "appointment_not_found", ve.Code)
}

func TestConfirmationStageUnknownAction(t *testing.T) {
	repo := newMockRepo()
	stage := newTestConfirmationStage(repo, newMemQueue("appointment-reminders"), &fakeNotifier{})
	appt := seedRequested(repo)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        "POSTPONE",
	})
	err := stage.Handle(context.Background(), msg)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "unknown_action", ve.Code)
}

func TestConfirmationStageSkipsReminderWhenTooSoon(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	stage := newTestConfirmationStage(repo, reminders, &fakeNotifier{})

	// Starts within the lead window: nothing to schedule.
	appt := seedRequested(repo)
	soon := repo.appts[appt.ID]
	soon.Date = fixedNow.Format(appointment.DateLayout)
	soon.StartTime = "15:00"
	soon.EndTime = "15:30"

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	require.NoError(t, stage.Handle(context.Background(), msg))

	require.Equal(t, appointment.StatusConfirmed, repo.get(appt.ID).Status)
	require.Zero(t, reminders.delayedCount())
}

func TestConfirmationStageEnqueueFailureIsTransient(t *testing.T) {
	repo := newMockRepo()
	reminders := newMemQueue("appointment-reminders")
	reminders.failWith = context.DeadlineExceeded
	stage := newTestConfirmationStage(repo, reminders, &fakeNotifier{})
	appt := seedRequested(repo)

	msg := intentMessage(t, queue.ConfirmationIntent{
		AppointmentID: appt.ID.String(),
		Action:        queue.ActionConfirm,
	})
	err := stage.Handle(context.Background(), msg)
	require.True(t, IsTransient(err))

	// The transition committed; redelivery lands on the no-op path and
	// repairs the enqueue.
	require.Equal(t, appointment.StatusConfirmed, repo.get(appt.ID).Status)
	reminders.failWith = nil
	require.NoError(t, stage.Handle(context.Background(), msg))
	require.Equal(t, 1, reminders.delayedCount())
	require.Equal(t, int64(1), repo.get(appt.ID).Version)
}
