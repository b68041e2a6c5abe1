package notification

import (
	"context"
	"log/slog"
	"time"
)

// ReaperConfig holds configuration for the stale record reaper.
type ReaperConfig struct {
	// Interval is how often the reaper scans for stale records.
	Interval time.Duration

	// StaleThreshold is how long an attempt may stay claimed, or a due
	// attempt may stay unprocessed, before the reaper re-enqueues it.
	StaleThreshold time.Duration

	// BatchSize is the maximum number of records recovered per cycle.
	BatchSize int

	// OnRecovered, when set, receives the count of each sweep that recovered records.
	OnRecovered func(n int)
}

// Reaper periodically scans the store for PENDING records whose attempt was
// lost: a worker crashed mid-send, or the deferred task vanished from the
// queue. The store is the source of truth and the reaper reconciles the
// queue with it.
type Reaper struct {
	tracker   *Tracker
	scheduler Scheduler
	config    ReaperConfig
}

// NewReaper creates a new stale record reaper.
func NewReaper(tracker *Tracker, scheduler Scheduler, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &Reaper{
		tracker:   tracker,
		scheduler: scheduler,
		config:    cfg,
	}
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper started",
		"interval", r.config.Interval,
		"stale_threshold", r.config.StaleThreshold,
		"batch_size", r.config.BatchSize,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reaper cycle and returns how many records were re-enqueued.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.tracker.Now()
	olderThan := now.Add(-r.config.StaleThreshold)

	stale, err := r.tracker.Store().ListStale(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		slog.Error("reaper: failed to list stale records", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	slog.Warn("reaper: found stale records", "count", len(stale))

	recovered := 0
	for _, n := range stale {
		// Release a dead claim so the next attempt can take the record.
		updated, err := r.tracker.Apply(ctx, n.ID, func(cur *Notification) error {
			if cur.Status != StatusPending {
				return errUnchanged
			}
			if cur.InFlight() && cur.AttemptStartedAt.After(olderThan) {
				return errUnchanged
			}
			cur.AttemptStartedAt = nil
			cur.NextAttemptAt = &now
			return nil
		})
		if err != nil {
			slog.Error("reaper: failed to release record", "notification_id", n.ID, "error", err)
			continue
		}
		if updated.Status != StatusPending || updated.InFlight() {
			continue
		}

		if err := r.scheduler.ScheduleAttempt(ctx, AttemptPayload{NotificationID: n.ID, Retry: updated.Attempts > 0}, now, n.Priority); err != nil {
			slog.Error("reaper: failed to re-enqueue record", "notification_id", n.ID, "error", err)
			continue
		}

		recovered++
		slog.Info("reaper: recovered stale record",
			"notification_id", n.ID,
			"was_in_flight", n.InFlight(),
			"age", now.Sub(n.UpdatedAt).Round(time.Second),
		)
	}

	if recovered > 0 {
		slog.Info("reaper: sweep complete", "recovered", recovered, "total_stale", len(stale))
		if r.config.OnRecovered != nil {
			r.config.OnRecovered(recovered)
		}
	}
	return recovered
}
