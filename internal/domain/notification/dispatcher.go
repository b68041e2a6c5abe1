package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"herald/internal/common"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RecipientRateLimiter defines the contract for per-recipient rate limiting.
// Implementations live in infra/ratelimit/.
type RecipientRateLimiter interface {
	// Allow checks whether a notification can be sent to the given recipient.
	// Returns true if the notification is allowed, false if rate limited.
	Allow(ctx context.Context, recipient string) (bool, error)
}

// DispatchRequest asks for one notification per (recipient, channel).
// Either TemplateID or Message must be set.
type DispatchRequest struct {
	TriggerEvent   TriggerEvent `json:"triggerEvent"`
	Channels       []Channel    `json:"channels"`
	Priority       Priority     `json:"priority"`
	Title          string       `json:"title"`
	Message        string       `json:"message"`
	TemplateID     string       `json:"templateId"`
	Metadata       Metadata     `json:"metadata"`
	Recipients     []Recipient  `json:"recipients"`
	MaxRetries     *int         `json:"maxRetries"`
	ScheduledAt    *time.Time   `json:"scheduledAt"`
	IdempotencyKey string       `json:"idempotencyKey"`

	// BatchID is set by the bulk processor.
	BatchID string `json:"-"`
}

// MaxRetriesLimit is the largest retry budget a request may ask for.
const MaxRetriesLimit = 10

// DispatcherConfig holds dispatch settings.
type DispatcherConfig struct {
	// MaxParallel bounds concurrent channel sends within one dispatch.
	MaxParallel int
	// DefaultMaxRetries applies when a request does not set maxRetries.
	DefaultMaxRetries int
}

// Dispatcher turns a request into persisted records and runs or defers their
// first delivery attempt. Channels are independent: one failing never blocks another.
type Dispatcher struct {
	tracker   *Tracker
	templates TemplateStore
	renderer  *Renderer
	worker    *Worker
	scheduler Scheduler
	limiter   RecipientRateLimiter
	config    DispatcherConfig
	keys      *keyedLocks
}

// NewDispatcher creates a dispatcher. limiter may be nil.
func NewDispatcher(tracker *Tracker, templates TemplateStore, renderer *Renderer, worker *Worker, scheduler Scheduler, limiter RecipientRateLimiter, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = len(AllChannels)
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		tracker:   tracker,
		templates: templates,
		renderer:  renderer,
		worker:    worker,
		scheduler: scheduler,
		limiter:   limiter,
		config:    cfg,
		keys:      newKeyedLocks(),
	}
}

// Dispatch validates the request, persists one PENDING record per
// (recipient, channel) and attempts or defers delivery of each. The returned
// records reflect the latest persisted state. Send failures, and channels that
// cannot be rendered or addressed, are recorded as FAILED records rather than
// returned. An error means the request was rejected or a record could not be
// persisted; records that were persisted are returned alongside it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchRequest) ([]*Notification, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}

	// Idempotency: a key that already produced records returns them. Requests
	// sharing a key are serialized here; across processes the store's unique
	// index on (key, channel, recipient) rejects the loser.
	if req.IdempotencyKey != "" {
		defer d.keys.lock(req.IdempotencyKey)()

		existing, _, err := d.tracker.Store().List(ctx, ListFilter{IdempotencyKey: req.IdempotencyKey, Page: 1, PageSize: MaxPageSize})
		if err != nil {
			slog.Error("idempotency check failed", "key", req.IdempotencyKey, "error", err)
			// Don't fail the request; proceed without idempotency protection
		} else if len(existing) > 0 {
			slog.Info("idempotent request, returning existing records",
				"idempotency_key", req.IdempotencyKey,
				"count", len(existing),
			)
			return existing, nil
		}
	}

	var tmpl *Template
	if req.TemplateID != "" {
		t, err := d.templates.Get(ctx, req.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("loading template: %w", err)
		}
		if !t.Active {
			return nil, common.NewValidationError(fmt.Sprintf("template '%s' is inactive", t.ID))
		}
		tmpl = t
	}

	channels := req.Channels
	if len(channels) == 0 && tmpl != nil {
		channels = tmpl.Channels
	}
	if len(channels) == 0 {
		return nil, common.NewValidationError("at least one channel is required")
	}

	priority := req.Priority
	if priority == 0 && tmpl != nil {
		priority = tmpl.Priority
	}
	if priority == 0 {
		priority = PriorityNormal
	}

	if err := d.checkRateLimits(ctx, req.Recipients); err != nil {
		return nil, err
	}

	now := d.tracker.Now()
	planned, err := d.plan(req, tmpl, channels, priority, now)
	if err != nil {
		return nil, err
	}

	due := d.dueAt(req, tmpl, now)

	var g errgroup.Group
	g.SetLimit(d.config.MaxParallel)
	results := make([]*Notification, len(planned))
	errs := make([]error, len(planned))
	for i, p := range planned {
		g.Go(func() error {
			results[i], errs[i] = d.start(ctx, p, due)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Notification, 0, len(results))
	for _, n := range results {
		if n != nil {
			out = append(out, n)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return out, err
	}
	return out, nil
}

func (d *Dispatcher) validate(req *DispatchRequest) error {
	if !req.TriggerEvent.IsValid() {
		return common.NewValidationError(fmt.Sprintf("unsupported trigger event: %s", req.TriggerEvent))
	}
	if req.Priority != 0 && !req.Priority.IsValid() {
		return common.NewValidationError("unsupported priority")
	}
	seen := make(map[Channel]bool, len(req.Channels))
	for _, ch := range req.Channels {
		if !ch.IsValid() {
			return common.NewValidationError(fmt.Sprintf("unsupported channel: %s", ch))
		}
		if seen[ch] {
			return common.NewValidationError(fmt.Sprintf("duplicate channel: %s", ch))
		}
		seen[ch] = true
	}
	if req.TemplateID == "" && strings.TrimSpace(req.Message) == "" {
		return common.NewValidationError("either templateId or message is required")
	}
	if len(req.Recipients) == 0 {
		return common.NewValidationError("at least one recipient is required")
	}
	recipients := make(map[string]bool, len(req.Recipients))
	for i, r := range req.Recipients {
		if r.Key() == "" {
			return common.NewValidationError(fmt.Sprintf("recipient %d has no admin id or address", i))
		}
		if recipients[r.Key()] {
			return common.NewValidationError(fmt.Sprintf("duplicate recipient: %s", r.Key()))
		}
		recipients[r.Key()] = true
	}
	if req.MaxRetries != nil && (*req.MaxRetries < 0 || *req.MaxRetries > MaxRetriesLimit) {
		return common.NewValidationError(fmt.Sprintf("maxRetries must be between 0 and %d", MaxRetriesLimit))
	}
	return nil
}

func (d *Dispatcher) checkRateLimits(ctx context.Context, recipients []Recipient) error {
	if d.limiter == nil {
		return nil
	}
	for _, r := range recipients {
		allowed, err := d.limiter.Allow(ctx, r.Key())
		if err != nil {
			slog.Error("rate limit check failed, proceeding without limit", "recipient", r.Key(), "error", err)
			// Fail open: don't block the request when Redis is down
			continue
		}
		if !allowed {
			return common.NewValidationError(fmt.Sprintf("rate limit exceeded for recipient: %s", r.Key()))
		}
	}
	return nil
}

// planned is one (recipient, channel) record. A non-empty reason means the
// record is persisted straight to FAILED without an attempt.
type planned struct {
	n      *Notification
	reason string
}

// plan builds every (recipient, channel) record before anything is persisted.
// Template conditions reject the whole request; a channel that cannot be
// rendered or has no address fails on its own.
func (d *Dispatcher) plan(req *DispatchRequest, tmpl *Template, channels []Channel, priority Priority, now time.Time) ([]planned, error) {
	maxRetries := d.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	var out []planned
	for _, r := range req.Recipients {
		var vars map[string]any
		if tmpl != nil {
			vars = MergeVariables(req.Metadata, tmpl.Defaults, r.Variables)
			if !tmpl.Applies(vars) {
				return nil, common.NewValidationError(fmt.Sprintf("template '%s' conditions not met for recipient %s", tmpl.ID, r.Key()))
			}
		}

		for _, ch := range channels {
			address := r.AddressFor(ch)
			n := &Notification{
				ID:             uuid.NewString(),
				BatchID:        req.BatchID,
				IdempotencyKey: req.IdempotencyKey,
				TriggerEvent:   req.TriggerEvent,
				Channel:        ch,
				Priority:       priority,
				Metadata:       req.Metadata,
				Status:         StatusPending,
				AdminID:        r.AdminID,
				Address:        address,
				MaxRetries:     maxRetries,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			p := planned{n: n}
			if tmpl == nil {
				n.Title = req.Title
				n.Message = req.Message
				n.Content = Content{Subject: req.Title, Body: req.Message, ActionURL: req.Metadata.ActionURL}
			} else {
				n.TemplateID = tmpl.ID
				n.Title = tmpl.Name
				content, err := d.renderer.Render(tmpl, ch, vars)
				if err != nil {
					p.reason = fmt.Sprintf("rendering template: %v", err)
				} else {
					n.Content = content
					if content.Subject != "" {
						n.Title = content.Subject
					}
					n.Message = content.Body
				}
			}
			if address == "" {
				p.reason = fmt.Sprintf("recipient %s has no %s address", r.Key(), ch)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// dueAt returns when the first attempt should run, or the zero time for now.
func (d *Dispatcher) dueAt(req *DispatchRequest, tmpl *Template, now time.Time) time.Time {
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		return req.ScheduledAt.UTC()
	}
	if tmpl != nil {
		return tmpl.Frequency.NextWindow(now)
	}
	return time.Time{}
}

// start persists the planned record and then either attempts it, hands it to
// the scheduler, or fails it outright when it was planned with a reason.
func (d *Dispatcher) start(ctx context.Context, p planned, due time.Time) (*Notification, error) {
	n := p.n
	if !due.IsZero() && p.reason == "" {
		n.ScheduledAt = &due
		n.NextAttemptAt = &due
	}
	if err := d.tracker.Create(ctx, n); err != nil {
		return nil, err
	}

	if p.reason != "" {
		failed, err := d.tracker.Apply(ctx, n.ID, func(cur *Notification) error {
			return cur.Transition(StatusFailed, p.reason, d.tracker.Now())
		})
		if err != nil {
			return n, err
		}
		slog.Warn("notification failed before delivery",
			"notification_id", n.ID,
			"channel", n.Channel,
			"reason", p.reason,
		)
		return failed, nil
	}

	if due.IsZero() {
		return d.worker.Attempt(ctx, n.ID)
	}

	if err := d.scheduler.ScheduleAttempt(ctx, AttemptPayload{NotificationID: n.ID}, due, n.Priority); err != nil {
		// The record keeps its nextAttemptAt, so the reaper picks it up later.
		slog.Error("failed to enqueue deferred attempt", "notification_id", n.ID, "at", due, "error", err)
	}
	slog.Info("notification deferred",
		"notification_id", n.ID,
		"channel", n.Channel,
		"scheduled_at", due,
	)
	return n, nil
}
