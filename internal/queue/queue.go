// Package queue defines the delivery contract the pipeline stages consume.
// The substrate guarantees at-least-once delivery with no ordering; every
// consumer must tolerate duplicate and out-of-order messages.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope around a stage payload.
type Message struct {
	ID         uuid.UUID       `json:"id"`
	Queue      string          `json:"queue"`
	Body       json.RawMessage `json:"body"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	NotBefore  *time.Time      `json:"notBefore,omitempty"`

	// Receipt identifies the in-flight delivery for Ack/Retry/DeadLetter.
	// It is delivery-local and never serialized.
	Receipt string `json:"-"`
}

// DeadLetter wraps a message that exhausted its handling options.
type DeadLetter struct {
	Message       Message   `json:"message"`
	FailureReason string    `json:"failureReason"`
	FailedAt      time.Time `json:"failedAt"`
	AttemptCount  int       `json:"attemptCount"`
}

// Queue is one named at-least-once channel plus its dead-letter channel.
type Queue interface {
	Enqueue(ctx context.Context, body []byte) error

	// EnqueueAt delays delivery until notBefore.
	EnqueueAt(ctx context.Context, body []byte, notBefore time.Time) error

	// EnqueueUnique enqueues at most once per dedupKey within the dedup
	// retention window. Returns false when the key was already consumed.
	EnqueueUnique(ctx context.Context, dedupKey string, body []byte, notBefore time.Time) (bool, error)

	// Receive blocks up to the poll interval and returns the next visible
	// message, or (nil, nil) when none arrived. A received message stays
	// invisible for the visibility timeout; unacknowledged messages are
	// redelivered after it elapses.
	Receive(ctx context.Context) (*Message, error)

	Ack(ctx context.Context, msg *Message) error

	// Retry schedules redelivery after delay, or dead-letters the message
	// once the attempt budget is exhausted.
	Retry(ctx context.Context, msg *Message, reason string, delay time.Duration) error

	DeadLetter(ctx context.Context, msg *Message, reason string) error

	// Depth reports ready, delayed, and dead-letter counts.
	Depth(ctx context.Context) (ready, delayed, dead int64, err error)

	Name() string
}

// Stage payloads.

type AppointmentRequest struct {
	PatientID       string `json:"patientId"`
	AppointmentDate string `json:"appointmentDate"`
	StartTime       string `json:"startTime"`
	EndTime         string `json:"endTime"`
	Notes           string `json:"notes,omitempty"`
	RequestID       string `json:"requestId"`
}

const (
	ActionConfirm = "CONFIRM"
	ActionReject  = "REJECT"
)

type ConfirmationIntent struct {
	AppointmentID   string `json:"appointmentId"`
	Action          string `json:"action"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type ReminderNotice struct {
	AppointmentID     string    `json:"appointmentId"`
	ScheduledSendTime time.Time `json:"scheduledSendTime"`
}
