package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeAttempt is the asynq task type for a deferred delivery attempt.
const TaskTypeAttempt = "notification:attempt"

// AttemptPayload is the serialized payload for a deferred attempt. Retry marks
// an automatic retry, which consumes one unit of the record's retry budget.
// The worker also charges any queued attempt on a record that has already been
// attempted, so a task lost and re-enqueued by the reaper still pays.
type AttemptPayload struct {
	NotificationID string `json:"notification_id"`
	Retry          bool   `json:"retry"`
}

// NewAttemptTask creates a new asynq task for a delivery attempt.
func NewAttemptTask(p AttemptPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeAttempt, payload), nil
}

// ParseAttemptPayload deserializes the task payload.
func ParseAttemptPayload(data []byte) (*AttemptPayload, error) {
	var p AttemptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling task payload: %w", err)
	}
	if p.NotificationID == "" {
		return nil, fmt.Errorf("task payload has no notification id")
	}
	return &p, nil
}

// Scheduler runs an attempt at a later time. Implementations live in
// infra/queue/ (asynq for live mode, in-process timers for sandbox mode).
type Scheduler interface {
	ScheduleAttempt(ctx context.Context, p AttemptPayload, at time.Time, priority Priority) error
}
