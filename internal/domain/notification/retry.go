package notification

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"herald/internal/common"
)

// ReasonRetriesExhausted is the failure reason once the retry budget is spent.
const ReasonRetriesExhausted = "retries exhausted"

// BackoffPolicy computes the delay before retry n:
//
//	delay(n) = min(Ceiling, Base[priority] * 2^n * (1 + j/2)), j in [0,1)
//
// Doubling outruns the jitter factor, so delays never decrease as n grows.
type BackoffPolicy struct {
	Base    map[Priority]time.Duration
	Ceiling time.Duration
	Jitter  func() float64
}

// DefaultBackoff retries CRITICAL notifications twelve times sooner than LOW ones.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base: map[Priority]time.Duration{
			PriorityCritical: 5 * time.Second,
			PriorityUrgent:   10 * time.Second,
			PriorityHigh:     20 * time.Second,
			PriorityNormal:   30 * time.Second,
			PriorityLow:      60 * time.Second,
		},
		Ceiling: 30 * time.Minute,
		Jitter:  rand.Float64,
	}
}

// Delay returns the wait before the retry that follows retryCount previous retries.
func (b BackoffPolicy) Delay(retryCount int, p Priority) time.Duration {
	base, ok := b.Base[p]
	if !ok {
		base = b.Base[PriorityNormal]
	}
	if base <= 0 {
		base = 30 * time.Second
	}
	j := 0.0
	if b.Jitter != nil {
		j = math.Min(math.Max(b.Jitter(), 0), 1)
	}
	if retryCount < 0 {
		retryCount = 0
	}

	d := float64(base) * math.Pow(2, float64(retryCount)) * (1 + j/2)
	if b.Ceiling > 0 && d > float64(b.Ceiling) {
		return b.Ceiling
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryScheduler owns the retry budget of each record. Automatic retries are
// deferred through the Scheduler; manual retries run immediately.
type RetryScheduler struct {
	tracker   *Tracker
	scheduler Scheduler
	backoff   BackoffPolicy
	worker    *Worker
}

// NewRetryScheduler creates a retry scheduler. It is bound to its Worker by NewWorker.
func NewRetryScheduler(tracker *Tracker, scheduler Scheduler, backoff BackoffPolicy) *RetryScheduler {
	return &RetryScheduler{tracker: tracker, scheduler: scheduler, backoff: backoff}
}

// ScheduleRetry handles a transient failure of n. With budget left the record
// stays PENDING and a retry task is queued after the backoff delay; otherwise
// the record becomes FAILED with ReasonRetriesExhausted.
func (r *RetryScheduler) ScheduleRetry(ctx context.Context, n *Notification) (*Notification, error) {
	var exhausted bool
	updated, err := r.tracker.Apply(ctx, n.ID, func(cur *Notification) error {
		exhausted = false
		if cur.Status != StatusPending {
			return errUnchanged
		}
		now := r.tracker.Now()
		if cur.Exhausted() {
			exhausted = true
			return cur.Transition(StatusFailed, ReasonRetriesExhausted, now)
		}
		at := now.Add(r.backoff.Delay(cur.RetryCount, cur.Priority))
		cur.NextAttemptAt = &at
		cur.AttemptStartedAt = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling retry for %s: %w", n.ID, err)
	}

	if exhausted {
		r.tracker.metrics.RetriesExhausted(updated.Channel)
		slog.Error("notification retries exhausted",
			"notification_id", updated.ID,
			"channel", updated.Channel,
			"retry_count", updated.RetryCount,
			"max_retries", updated.MaxRetries,
		)
		return updated, nil
	}
	if updated.Status != StatusPending || updated.NextAttemptAt == nil {
		return updated, nil
	}

	at := *updated.NextAttemptAt
	delay := at.Sub(r.tracker.Now())
	r.tracker.metrics.RetryScheduled(updated.Channel, delay)

	payload := AttemptPayload{NotificationID: updated.ID, Retry: true}
	if err := r.scheduler.ScheduleAttempt(ctx, payload, at, updated.Priority); err != nil {
		// The record keeps its nextAttemptAt, so the reaper picks it up later.
		slog.Error("failed to enqueue retry",
			"notification_id", updated.ID,
			"next_attempt_at", at,
			"error", err,
		)
		return updated, nil
	}

	slog.Info("retry scheduled",
		"notification_id", updated.ID,
		"channel", updated.Channel,
		"retry_count", updated.RetryCount,
		"delay", delay.Round(time.Millisecond),
	)
	return updated, nil
}

// RetryNow is the administrator-triggered retry. It is allowed for FAILED
// records and for PENDING records with no attempt in flight, consumes one
// unit of retry budget and attempts delivery immediately. With no budget left
// it returns a RetriesExhaustedError and the record is unchanged.
func (r *RetryScheduler) RetryNow(ctx context.Context, id string) (*Notification, error) {
	_, err := r.tracker.Apply(ctx, id, func(cur *Notification) error {
		switch {
		case cur.Status == StatusFailed:
		case cur.Status == StatusPending && cur.InFlight():
			return common.NewValidationError(fmt.Sprintf("notification '%s' has a delivery attempt in flight", id))
		case cur.Status == StatusPending:
		default:
			return common.NewInvalidTransitionError(string(cur.Status), string(StatusPending))
		}
		if cur.Exhausted() {
			return common.NewRetriesExhaustedError(cur.ID, cur.MaxRetries)
		}
		cur.RetryCount++
		cur.Status = StatusPending
		cur.FailureReason = ""
		cur.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("manual retry", "notification_id", id)
	return r.worker.Attempt(ctx, id)
}
