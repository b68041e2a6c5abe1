package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"herald/internal/common"

	"github.com/google/uuid"
)

// Archiver copies records somewhere durable before a purge deletes them.
// Implementations live in infra/archive/.
type Archiver interface {
	Archive(ctx context.Context, records []*Notification) error
}

// Service is the caller-facing facade over dispatch, tracking, retries,
// batches and templates.
type Service struct {
	tracker    *Tracker
	templates  TemplateStore
	dispatcher *Dispatcher
	retry      *RetryScheduler
	bulk       *BulkProcessor
	archiver   Archiver
}

// NewService creates a new notification service. archiver may be nil.
func NewService(tracker *Tracker, templates TemplateStore, dispatcher *Dispatcher, retry *RetryScheduler, bulk *BulkProcessor, archiver Archiver) *Service {
	return &Service{
		tracker:    tracker,
		templates:  templates,
		dispatcher: dispatcher,
		retry:      retry,
		bulk:       bulk,
		archiver:   archiver,
	}
}

// Send dispatches a single notification request.
func (s *Service) Send(ctx context.Context, req *DispatchRequest) ([]*Notification, error) {
	records, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return records, err
	}
	slog.Info("notification dispatched",
		"event", req.TriggerEvent,
		"template_id", req.TemplateID,
		"records", len(records),
	)
	return records, nil
}

// GetNotification retrieves a notification by ID.
func (s *Service) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := s.tracker.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	return n, nil
}

// ListNotifications retrieves notifications with pagination and filtering.
func (s *Service) ListNotifications(ctx context.Context, filter ListFilter) (*ListResponse, error) {
	filter.Normalize()
	for _, st := range filter.Statuses {
		if !st.IsValid() {
			return nil, common.NewValidationError(fmt.Sprintf("unsupported status: %s", st))
		}
	}
	for _, ch := range filter.Channels {
		if !ch.IsValid() {
			return nil, common.NewValidationError(fmt.Sprintf("unsupported channel: %s", ch))
		}
	}
	for _, ev := range filter.Events {
		if !ev.IsValid() {
			return nil, common.NewValidationError(fmt.Sprintf("unsupported trigger event: %s", ev))
		}
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, common.NewValidationError("'to' must not be before 'from'")
	}

	records, total, err := s.tracker.Store().List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return &ListResponse{
		Notifications: records,
		Total:         total,
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	}, nil
}

// UpdateStatus applies one lifecycle transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, reason string) (*Notification, error) {
	if !to.IsValid() {
		return nil, common.NewValidationError(fmt.Sprintf("unsupported status: %s", to))
	}
	n, err := s.tracker.Apply(ctx, id, func(cur *Notification) error {
		if to == StatusCancelled {
			return cancel(cur, reason, s.tracker.Now())
		}
		return cur.Transition(to, reason, s.tracker.Now())
	})
	if err != nil {
		return nil, err
	}
	slog.Info("notification status updated", "notification_id", id, "status", n.Status)
	return n, nil
}

// Cancel stops a notification that has not been attempted yet. Once an
// attempt is in flight it completes to SENT or FAILED and cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Notification, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	n, err := s.tracker.Apply(ctx, id, func(cur *Notification) error {
		return cancel(cur, reason, s.tracker.Now())
	})
	if err != nil {
		return nil, err
	}
	slog.Info("notification cancelled", "notification_id", id)
	return n, nil
}

func cancel(n *Notification, reason string, now time.Time) error {
	if n.Status == StatusPending && n.InFlight() {
		return common.NewValidationError(fmt.Sprintf("notification '%s' has a delivery attempt in flight", n.ID))
	}
	return n.Transition(StatusCancelled, reason, now)
}

// DeleteNotification removes a record.
func (s *Service) DeleteNotification(ctx context.Context, id string) error {
	if err := s.tracker.Store().Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	slog.Info("notification deleted", "notification_id", id)
	return nil
}

// Retry is the administrator-triggered retry of a single record.
func (s *Service) Retry(ctx context.Context, id string) (*Notification, error) {
	return s.retry.RetryNow(ctx, id)
}

// SendBulk dispatches a template to many recipients.
func (s *Service) SendBulk(ctx context.Context, req *BulkRequest) (*BulkResponse, error) {
	return s.bulk.SendBulk(ctx, req)
}

// RetryBulk retries the unfinished records of a batch.
func (s *Service) RetryBulk(ctx context.Context, batchID string) (*BulkRetryResponse, error) {
	return s.bulk.RetryBulk(ctx, batchID)
}

// providerChain is the order in which provider webhooks report progress.
var providerChain = []Status{StatusSent, StatusDelivered, StatusOpened, StatusClicked}

// HandleProviderEvent applies a delivery status reported by a provider
// webhook. Progress events may skip steps (a click reported before the
// delivery receipt); the skipped steps are applied in order.
func (s *Service) HandleProviderEvent(ctx context.Context, providerID string, to Status, reason string) (*Notification, error) {
	if providerID == "" {
		return nil, common.NewValidationError("provider message id is required")
	}

	records, _, err := s.tracker.Store().List(ctx, ListFilter{ProviderMessageID: providerID, Page: 1, PageSize: 1})
	if err != nil {
		return nil, fmt.Errorf("looking up provider message: %w", err)
	}
	if len(records) == 0 {
		return nil, common.NewNotFoundError("provider message", providerID)
	}

	n, err := s.tracker.Apply(ctx, records[0].ID, func(cur *Notification) error {
		now := s.tracker.Now()
		from := indexOf(providerChain, cur.Status)
		target := indexOf(providerChain, to)
		if from < 0 || target <= from {
			return cur.Transition(to, reason, now)
		}
		for _, step := range providerChain[from+1 : target+1] {
			if err := cur.Transition(step, reason, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("provider status applied",
		"provider_id", providerID,
		"notification_id", n.ID,
		"status", n.Status,
	)
	return n, nil
}

func indexOf[T comparable](list []T, v T) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

// Purge deletes records created before olderThan, archiving them first when
// an archiver is configured. It returns the number of records removed.
func (s *Service) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if olderThan.IsZero() || olderThan.After(s.tracker.Now()) {
		return 0, common.NewValidationError("purge threshold must be in the past")
	}

	if s.archiver != nil {
		filter := ListFilter{To: &olderThan, Page: 1, PageSize: MaxPageSize}
		for {
			page, total, err := s.tracker.Store().List(ctx, filter)
			if err != nil {
				return 0, fmt.Errorf("listing records to archive: %w", err)
			}
			if len(page) > 0 {
				if err := s.archiver.Archive(ctx, page); err != nil {
					return 0, fmt.Errorf("archiving records: %w", err)
				}
			}
			if len(page) == 0 || filter.Offset()+len(page) >= total {
				break
			}
			filter.Page++
		}
	}

	purged, err := s.tracker.Store().Purge(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purging notifications: %w", err)
	}
	slog.Info("notifications purged", "older_than", olderThan, "count", len(purged))
	return len(purged), nil
}

// CreateTemplate validates and stores a new template.
func (s *Service) CreateTemplate(ctx context.Context, t *Template) (*Template, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	now := s.tracker.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.templates.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("creating template: %w", err)
	}
	slog.Info("template created", "template_id", t.ID, "name", t.Name)
	return t, nil
}

// GetTemplate retrieves a template by ID.
func (s *Service) GetTemplate(ctx context.Context, id string) (*Template, error) {
	return s.templates.Get(ctx, id)
}

// ListTemplates returns all templates.
func (s *Service) ListTemplates(ctx context.Context) ([]*Template, error) {
	return s.templates.List(ctx)
}

// UpdateTemplate replaces a template, keeping its id and creation time.
func (s *Service) UpdateTemplate(ctx context.Context, id string, t *Template) (*Template, error) {
	existing, err := s.templates.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	t.CreatedBy = existing.CreatedBy
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.UpdatedAt = s.tracker.Now()
	if err := s.templates.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("updating template: %w", err)
	}
	slog.Info("template updated", "template_id", t.ID)
	return t, nil
}

// DeleteTemplate removes a template.
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	if err := s.templates.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	slog.Info("template deleted", "template_id", id)
	return nil
}
