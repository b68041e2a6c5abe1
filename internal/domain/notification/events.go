package notification

import (
	"context"
	"time"
)

// TransitionEvent describes one persisted status change.
type TransitionEvent struct {
	NotificationID string       `json:"notificationId"`
	BatchID        string       `json:"batchId,omitempty"`
	Channel        Channel      `json:"channel"`
	TriggerEvent   TriggerEvent `json:"triggerEvent"`
	From           Status       `json:"from"`
	To             Status       `json:"to"`
	Reason         string       `json:"reason,omitempty"`
	RetryCount     int          `json:"retryCount"`
	At             time.Time    `json:"at"`
}

// EventPublisher streams lifecycle transitions to downstream consumers.
// Implementations live in infra/events/.
type EventPublisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
}

// Recorder receives operational measurements. Implementations live in infra/metrics/.
type Recorder interface {
	NotificationCreated(ch Channel, ev TriggerEvent)
	AttemptFinished(ch Channel, outcome string, took time.Duration)
	RetryScheduled(ch Channel, delay time.Duration)
	RetriesExhausted(ch Channel)
	Transitioned(ch Channel, to Status)
	BatchCompleted(successful, failed int)
}

// Attempt outcomes reported to the Recorder.
const (
	OutcomeSent      = "sent"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

type nopPublisher struct{}

func (nopPublisher) PublishTransition(context.Context, TransitionEvent) error { return nil }

type nopRecorder struct{}

func (nopRecorder) NotificationCreated(Channel, TriggerEvent) {}
func (nopRecorder) AttemptFinished(Channel, string, time.Duration) {}
func (nopRecorder) RetryScheduled(Channel, time.Duration) {}
func (nopRecorder) RetriesExhausted(Channel) {}
func (nopRecorder) Transitioned(Channel, Status) {}
func (nopRecorder) BatchCompleted(int, int) {}
