// Package notify is the boundary to the external notification channel.
// Delivery downstream of Send is someone else's problem; the pipeline
// only promises at-least-once emission.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TypeConfirmation = "APPOINTMENT_CONFIRMATION"
	TypeReminder     = "APPOINTMENT_REMINDER"
)

type Notification struct {
	Type            string    `json:"type"`
	AppointmentID   string    `json:"appointmentId"`
	PatientID       string    `json:"patientId"`
	PatientName     string    `json:"patientName"`
	PatientEmail    string    `json:"patientEmail,omitempty"`
	PatientPhone    string    `json:"patientPhone,omitempty"`
	AppointmentDate string    `json:"appointmentDate"`
	StartTime       string    `json:"startTime"`
	EndTime         string    `json:"endTime"`
	SentAt          time.Time `json:"sentAt"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// redisNotifier publishes notifications on a Redis channel for the
// delivery service to consume.
type redisNotifier struct {
	rdb     *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisNotifier(rdb *redis.Client, channel string, log zerolog.Logger) Notifier {
	return &redisNotifier{
		rdb:     rdb,
		channel: channel,
		log:     log.With().Str("component", "notifier").Logger(),
	}
}

func (n *redisNotifier) Send(ctx context.Context, notification Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	n.log.Info().
		Str("type", notification.Type).
		Str("appointment_id", notification.AppointmentID).
		Str("patient_id", notification.PatientID).
		Msg("notification published")
	return nil
}
