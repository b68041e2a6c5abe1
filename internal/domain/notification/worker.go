package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"herald/internal/common"
)

// DefaultSendTimeout bounds a single sender call.
const DefaultSendTimeout = 10 * time.Second

// WorkerConfig holds attempt settings.
type WorkerConfig struct {
	SendTimeout time.Duration
}

// Worker executes delivery attempts for stored records. An attempt claims the
// record, calls the channel sender under a timeout and records the outcome:
// SENT on success, FAILED on a permanent rejection, and a scheduled retry on
// anything else.
type Worker struct {
	tracker *Tracker
	retry   *RetryScheduler
	senders Senders
	config  WorkerConfig
}

// NewWorker creates a worker and binds it to retry for manual retries.
func NewWorker(tracker *Tracker, retry *RetryScheduler, senders Senders, cfg WorkerConfig) *Worker {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	w := &Worker{
		tracker: tracker,
		retry:   retry,
		senders: senders,
		config:  cfg,
	}
	retry.worker = w
	return w
}

// ProcessTask handles a deferred attempt task from the queue. Any attempt
// after a record's first consumes retry budget, whichever path queued it.
func (w *Worker) ProcessTask(ctx context.Context, p AttemptPayload) error {
	_, err := w.run(ctx, p.NotificationID, p.Retry, false)
	var notFound *common.NotFoundError
	if errors.As(err, &notFound) {
		slog.Warn("attempt task for unknown notification dropped", "notification_id", p.NotificationID)
		return nil
	}
	return err
}

// Attempt runs one delivery attempt for id without consuming retry budget.
// It serves first attempts and manual retries, which pay for themselves.
func (w *Worker) Attempt(ctx context.Context, id string) (*Notification, error) {
	return w.run(ctx, id, false, true)
}

func (w *Worker) run(ctx context.Context, id string, retry, paid bool) (*Notification, error) {
	start := time.Now()

	var claimed bool
	n, err := w.tracker.Apply(ctx, id, func(cur *Notification) error {
		claimed = false
		if cur.Status != StatusPending || cur.InFlight() {
			return errUnchanged
		}
		now := w.tracker.Now()
		if !paid && (retry || cur.Attempts > 0) {
			if cur.Exhausted() {
				return cur.Transition(StatusFailed, ReasonRetriesExhausted, now)
			}
			cur.RetryCount++
		}
		cur.Attempts++
		cur.AttemptStartedAt = &now
		cur.NextAttemptAt = nil
		claimed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claiming notification %s: %w", id, err)
	}
	if !claimed {
		slog.Info("attempt skipped",
			"notification_id", id,
			"status", n.Status,
			"in_flight", n.InFlight(),
		)
		return n, nil
	}

	// Outcomes are persisted even if the caller goes away mid-send.
	persistCtx := context.WithoutCancel(ctx)

	sender, ok := w.senders[n.Channel]
	if !ok {
		return w.fail(persistCtx, n, fmt.Sprintf("no sender registered for channel %s", n.Channel), start)
	}

	res, sendErr := w.send(ctx, sender, n)

	switch {
	case sendErr == nil:
		return w.complete(persistCtx, n, res, start)
	case common.IsPermanentSendFailure(sendErr):
		return w.fail(persistCtx, n, sendErr.Error(), start)
	default:
		w.tracker.metrics.AttemptFinished(n.Channel, OutcomeTransient, time.Since(start))
		slog.Warn("notification delivery failed transiently",
			"notification_id", n.ID,
			"channel", n.Channel,
			"to", n.Address,
			"retry_count", n.RetryCount,
			"error", sendErr,
			"duration", time.Since(start),
		)
		return w.retry.ScheduleRetry(persistCtx, n)
	}
}

// send calls the sender under the attempt timeout. A panicking sender is
// treated as a transient failure so the record stays on the retry path.
func (w *Worker) send(ctx context.Context, sender Sender, n *Notification) (res SendResult, err error) {
	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sender panicked",
				"notification_id", n.ID,
				"channel", n.Channel,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = common.NewTransientSendError(string(n.Channel), fmt.Sprintf("sender panicked: %v", r), nil)
		}
	}()
	return sender.Send(sendCtx, n.delivery())
}

func (w *Worker) complete(ctx context.Context, n *Notification, res SendResult, start time.Time) (*Notification, error) {
	updated, err := w.tracker.Apply(ctx, n.ID, func(cur *Notification) error {
		cur.ProviderMessageID = res.ProviderMessageID
		return cur.Transition(StatusSent, "", w.tracker.Now())
	})
	if err != nil {
		slog.Error("failed to record sent status", "notification_id", n.ID, "error", err)
		return updated, err
	}

	w.tracker.metrics.AttemptFinished(n.Channel, OutcomeSent, time.Since(start))
	slog.Info("notification sent",
		"notification_id", n.ID,
		"channel", n.Channel,
		"event", n.TriggerEvent,
		"to", n.Address,
		"provider_id", res.ProviderMessageID,
		"duration", time.Since(start),
	)
	return updated, nil
}

func (w *Worker) fail(ctx context.Context, n *Notification, reason string, start time.Time) (*Notification, error) {
	updated, err := w.tracker.Apply(ctx, n.ID, func(cur *Notification) error {
		return cur.Transition(StatusFailed, reason, w.tracker.Now())
	})
	if err != nil {
		slog.Error("failed to record failed status", "notification_id", n.ID, "error", err)
		return updated, err
	}

	w.tracker.metrics.AttemptFinished(n.Channel, OutcomePermanent, time.Since(start))
	slog.Error("notification delivery failed",
		"notification_id", n.ID,
		"channel", n.Channel,
		"event", n.TriggerEvent,
		"to", n.Address,
		"reason", reason,
		"duration", time.Since(start),
	)
	return updated, nil
}

func (n *Notification) delivery() *Delivery {
	return &Delivery{
		NotificationID: n.ID,
		Channel:        n.Channel,
		Priority:       n.Priority,
		TriggerEvent:   n.TriggerEvent,
		Address:        n.Address,
		AdminID:        n.AdminID,
		Content:        n.Content,
		Metadata:       n.Metadata,
	}
}
