package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"herald/internal/common"
)

// errUnchanged is returned by an Apply mutation that decides nothing needs writing.
var errUnchanged = errors.New("record unchanged")

// conflictAttempts bounds how often Apply re-reads after losing a conditional update.
const conflictAttempts = 3

// Tracker owns every write to a notification record. Writes to one record are
// serialized in-process and persisted with a conditional update, so a retry
// attempt and a late provider webhook can never interleave.
type Tracker struct {
	store     Store
	locks     *keyedLocks
	publisher EventPublisher
	metrics   Recorder
	now       func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithPublisher streams each persisted transition to p.
func WithPublisher(p EventPublisher) TrackerOption {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

// WithRecorder reports measurements to r.
func WithRecorder(r Recorder) TrackerOption {
	return func(t *Tracker) {
		if r != nil {
			t.metrics = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:     store,
		locks:     newKeyedLocks(),
		publisher: nopPublisher{},
		metrics:   nopRecorder{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.now()
}

// Store exposes the underlying record store for read paths.
func (t *Tracker) Store() Store {
	return t.store
}

// Create persists a new record.
func (t *Tracker) Create(ctx context.Context, n *Notification) error {
	if err := t.store.Create(ctx, n); err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	t.metrics.NotificationCreated(n.Channel, n.TriggerEvent)
	return nil
}

// Get loads a record.
func (t *Tracker) Get(ctx context.Context, id string) (*Notification, error) {
	return t.store.GetByID(ctx, id)
}

// Apply reads the record, runs mutate on a copy and persists the copy if the
// stored record has not moved on in between. A ConflictError from another
// writer causes a re-read and another attempt. When mutate returns an error the
// stored record is returned unchanged together with that error.
func (t *Tracker) Apply(ctx context.Context, id string, mutate func(n *Notification) error) (*Notification, error) {
	release := t.locks.lock(id)
	defer release()

	var lastErr error
	for range conflictAttempts {
		cur, err := t.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, errUnchanged) {
				return cur, nil
			}
			return cur, err
		}
		next.UpdatedAt = t.now()

		err = t.store.Update(ctx, next, cur.Status)
		var conflict *common.ConflictError
		if errors.As(err, &conflict) {
			lastErr = err
			slog.Warn("conditional update lost, re-reading", "notification_id", id)
			continue
		}
		if err != nil {
			return cur, fmt.Errorf("updating notification %s: %w", id, err)
		}

		if next.Status != cur.Status {
			t.transitioned(ctx, cur.Status, next)
		}
		return next, nil
	}
	return nil, lastErr
}

func (t *Tracker) transitioned(ctx context.Context, from Status, n *Notification) {
	t.metrics.Transitioned(n.Channel, n.Status)
	ev := TransitionEvent{
		NotificationID: n.ID,
		BatchID:        n.BatchID,
		Channel:        n.Channel,
		TriggerEvent:   n.TriggerEvent,
		From:           from,
		To:             n.Status,
		Reason:         n.FailureReason,
		RetryCount:     n.RetryCount,
		At:             n.UpdatedAt,
	}
	if err := t.publisher.PublishTransition(ctx, ev); err != nil {
		slog.Warn("publishing transition failed",
			"notification_id", n.ID,
			"from", from,
			"to", n.Status,
			"error", err,
		)
	}
}
