package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const (
	notificationsTable = "notifications"
	templatesTable     = "templates"
)

var (
	_ notification.Store         = (*SupabaseStore)(nil)
	_ notification.TemplateStore = (*SupabaseTemplateStore)(nil)
)

// SupabaseStore implements notification.Store over the Supabase REST API.
// The tables match the postgres migrations.
type SupabaseStore struct {
	client *supa.Client
}

// NewSupabaseClient creates a Supabase client with the service key.
func NewSupabaseClient(supabaseURL, serviceKey string) (*supa.Client, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}
	return client, nil
}

// NewSupabaseStore creates a Supabase-backed notification store.
func NewSupabaseStore(client *supa.Client) *SupabaseStore {
	return &SupabaseStore{client: client}
}

// supabaseRow is the PostgREST shape of a notification. Priority is kept
// numeric because notification.Priority marshals as its name.
type supabaseRow struct {
	ID                string                `json:"id"`
	BatchID           string                `json:"batch_id"`
	TemplateID        string                `json:"template_id"`
	IdempotencyKey    string                `json:"idempotency_key"`
	TriggerEvent      string                `json:"trigger_event"`
	Channel           string                `json:"channel"`
	Priority          int                   `json:"priority"`
	Title             string                `json:"title"`
	Message           string                `json:"message"`
	Content           notification.Content  `json:"content"`
	Metadata          notification.Metadata `json:"metadata"`
	Status            string                `json:"status"`
	AdminID           string                `json:"admin_id"`
	Address           string                `json:"address"`
	ProviderMessageID string                `json:"provider_message_id"`
	FailureReason     string                `json:"failure_reason"`
	RetryCount        int                   `json:"retry_count"`
	MaxRetries        int                   `json:"max_retries"`
	Attempts          int                   `json:"attempts"`
	Version           int                   `json:"version"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	ScheduledAt       *time.Time            `json:"scheduled_at"`
	NextAttemptAt     *time.Time            `json:"next_attempt_at"`
	AttemptStartedAt  *time.Time            `json:"attempt_started_at"`
	SentAt            *time.Time            `json:"sent_at"`
	DeliveredAt       *time.Time            `json:"delivered_at"`
	OpenedAt          *time.Time            `json:"opened_at"`
	ClickedAt         *time.Time            `json:"clicked_at"`
}

func toSupabaseRow(n *notification.Notification) supabaseRow {
	return supabaseRow{
		ID:                n.ID,
		BatchID:           n.BatchID,
		TemplateID:        n.TemplateID,
		IdempotencyKey:    n.IdempotencyKey,
		TriggerEvent:      string(n.TriggerEvent),
		Channel:           string(n.Channel),
		Priority:          int(n.Priority),
		Title:             n.Title,
		Message:           n.Message,
		Content:           n.Content,
		Metadata:          n.Metadata,
		Status:            string(n.Status),
		AdminID:           n.AdminID,
		Address:           n.Address,
		ProviderMessageID: n.ProviderMessageID,
		FailureReason:     n.FailureReason,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		Attempts:          n.Attempts,
		Version:           n.Version,
		CreatedAt:         n.CreatedAt.UTC(),
		UpdatedAt:         n.UpdatedAt.UTC(),
		ScheduledAt:       n.ScheduledAt,
		NextAttemptAt:     n.NextAttemptAt,
		AttemptStartedAt:  n.AttemptStartedAt,
		SentAt:            n.SentAt,
		DeliveredAt:       n.DeliveredAt,
		OpenedAt:          n.OpenedAt,
		ClickedAt:         n.ClickedAt,
	}
}

func (r *supabaseRow) toDomain() *notification.Notification {
	return &notification.Notification{
		ID:                r.ID,
		BatchID:           r.BatchID,
		TemplateID:        r.TemplateID,
		IdempotencyKey:    r.IdempotencyKey,
		TriggerEvent:      notification.TriggerEvent(r.TriggerEvent),
		Channel:           notification.Channel(r.Channel),
		Priority:          notification.Priority(r.Priority),
		Title:             r.Title,
		Message:           r.Message,
		Content:           r.Content,
		Metadata:          r.Metadata,
		Status:            notification.Status(r.Status),
		AdminID:           r.AdminID,
		Address:           r.Address,
		ProviderMessageID: r.ProviderMessageID,
		FailureReason:     r.FailureReason,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		Attempts:          r.Attempts,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ScheduledAt:       r.ScheduledAt,
		NextAttemptAt:     r.NextAttemptAt,
		AttemptStartedAt:  r.AttemptStartedAt,
		SentAt:            r.SentAt,
		DeliveredAt:       r.DeliveredAt,
		OpenedAt:          r.OpenedAt,
		ClickedAt:         r.ClickedAt,
	}
}

func decodeRows(data []byte) ([]*notification.Notification, error) {
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing notifications: %w", err)
	}
	out := make([]*notification.Notification, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// stamp formats t for PostgREST filters. Quoting keeps the value intact
// inside or=() expressions.
func stamp(t time.Time) string {
	return `"` + t.UTC().Format(time.RFC3339Nano) + `"`
}

func (s *SupabaseStore) Create(_ context.Context, n *notification.Notification) error {
	_, _, err := s.client.From(notificationsTable).Insert(toSupabaseRow(n), false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (s *SupabaseStore) GetByID(_ context.Context, id string) (*notification.Notification, error) {
	data, _, err := s.client.From(notificationsTable).Select("*", "", false).Eq("id", id).Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, common.NewNotFoundError("notification", id)
	}
	return rows[0], nil
}

func (s *SupabaseStore) List(_ context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()
	offset := filter.Offset()

	query := s.client.From(notificationsTable).Select("*", "exact", false)
	if len(filter.Statuses) > 0 {
		query = query.In("status", names(filter.Statuses))
	}
	if len(filter.Channels) > 0 {
		query = query.In("channel", names(filter.Channels))
	}
	if len(filter.Events) > 0 {
		query = query.In("trigger_event", names(filter.Events))
	}
	if filter.Recipient != "" {
		query = query.Or(fmt.Sprintf(`address.eq.%q,admin_id.eq.%q`, filter.Recipient, filter.Recipient), "")
	}
	if filter.BatchID != "" {
		query = query.Eq("batch_id", filter.BatchID)
	}
	if filter.IdempotencyKey != "" {
		query = query.Eq("idempotency_key", filter.IdempotencyKey)
	}
	if filter.ProviderMessageID != "" {
		query = query.Eq("provider_message_id", filter.ProviderMessageID)
	}
	if filter.From != nil {
		query = query.Gte("created_at", filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query = query.Lt("created_at", filter.To.UTC().Format(time.RFC3339Nano))
	}

	query = query.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	query = query.Order("id", &postgrest.OrderOpts{Ascending: true})
	query = query.Range(offset, offset+filter.PageSize-1, "")

	data, count, err := query.Execute()
	if err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, 0, err
	}
	return rows, int(count), nil
}

func (s *SupabaseStore) Update(ctx context.Context, n *notification.Notification, expected notification.Status) error {
	row := toSupabaseRow(n)
	row.Version = n.Version + 1

	data, _, err := s.client.From(notificationsTable).
		Update(row, "representation", "").
		Eq("id", n.ID).
		Eq("status", string(expected)).
		Eq("version", strconv.Itoa(n.Version)).
		Execute()
	if err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}

	updated, err := decodeRows(data)
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		if _, err := s.GetByID(ctx, n.ID); err != nil {
			return err
		}
		return common.NewConflictError("notification", n.ID)
	}
	n.Version++
	return nil
}

func (s *SupabaseStore) Delete(_ context.Context, id string) error {
	data, _, err := s.client.From(notificationsTable).Delete("representation", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	deleted, err := decodeRows(data)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return common.NewNotFoundError("notification", id)
	}
	return nil
}

// Purge deletes and returns in one request, so nothing slips in between.
func (s *SupabaseStore) Purge(_ context.Context, olderThan time.Time) ([]*notification.Notification, error) {
	data, _, err := s.client.From(notificationsTable).
		Delete("representation", "").
		Lt("created_at", olderThan.UTC().Format(time.RFC3339Nano)).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("purging notifications: %w", err)
	}
	return decodeRows(data)
}

func (s *SupabaseStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*notification.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := stamp(olderThan)

	data, _, err := s.client.From(notificationsTable).
		Select("*", "", false).
		Eq("status", string(notification.StatusPending)).
		Or(fmt.Sprintf(
			"attempt_started_at.lt.%[1]s,and(attempt_started_at.is.null,next_attempt_at.lt.%[1]s),and(attempt_started_at.is.null,next_attempt_at.is.null,updated_at.lt.%[1]s)",
			cutoff,
		), "").
		Order("updated_at", &postgrest.OrderOpts{Ascending: true}).
		Range(0, limit-1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing stale notifications: %w", err)
	}
	return decodeRows(data)
}

func names[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// SupabaseTemplateStore implements notification.TemplateStore over the
// Supabase REST API.
type SupabaseTemplateStore struct {
	client *supa.Client
}

// NewSupabaseTemplateStore creates a Supabase-backed template store.
func NewSupabaseTemplateStore(client *supa.Client) *SupabaseTemplateStore {
	return &SupabaseTemplateStore{client: client}
}

type supabaseTemplateRow struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	TriggerEvent string                 `json:"trigger_event"`
	Active       bool                   `json:"active"`
	Definition   *notification.Template `json:"definition"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func toSupabaseTemplateRow(t *notification.Template) supabaseTemplateRow {
	return supabaseTemplateRow{
		ID:           t.ID,
		Name:         t.Name,
		TriggerEvent: string(t.TriggerEvent),
		Active:       t.Active,
		Definition:   t,
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
	}
}

func decodeTemplates(data []byte) ([]*notification.Template, error) {
	var rows []supabaseTemplateRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	out := make([]*notification.Template, 0, len(rows))
	for _, r := range rows {
		t := r.Definition
		if t == nil {
			t = &notification.Template{}
		}
		t.ID = r.ID
		t.Active = r.Active
		t.CreatedAt = r.CreatedAt
		t.UpdatedAt = r.UpdatedAt
		out = append(out, t)
	}
	return out, nil
}

func (s *SupabaseTemplateStore) Create(_ context.Context, t *notification.Template) error {
	if _, _, err := s.client.From(templatesTable).Insert(toSupabaseTemplateRow(t), false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("inserting template: %w", err)
	}
	return nil
}

func (s *SupabaseTemplateStore) Get(_ context.Context, id string) (*notification.Template, error) {
	data, _, err := s.client.From(templatesTable).Select("*", "", false).Eq("id", id).Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching template: %w", err)
	}
	out, err := decodeTemplates(data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, common.NewNotFoundError("template", id)
	}
	return out[0], nil
}

func (s *SupabaseTemplateStore) List(_ context.Context) ([]*notification.Template, error) {
	data, _, err := s.client.From(templatesTable).
		Select("*", "", false).
		Order("name", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	return decodeTemplates(data)
}

func (s *SupabaseTemplateStore) Update(_ context.Context, t *notification.Template) error {
	data, _, err := s.client.From(templatesTable).Update(toSupabaseTemplateRow(t), "representation", "").Eq("id", t.ID).Execute()
	if err != nil {
		return fmt.Errorf("updating template: %w", err)
	}
	out, err := decodeTemplates(data)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return common.NewNotFoundError("template", t.ID)
	}
	return nil
}

func (s *SupabaseTemplateStore) Delete(_ context.Context, id string) error {
	data, _, err := s.client.From(templatesTable).Delete("representation", "").Eq("id", id).Execute()
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	out, err := decodeTemplates(data)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return common.NewNotFoundError("template", id)
	}
	return nil
}
