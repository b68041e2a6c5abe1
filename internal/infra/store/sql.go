package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	_ notification.Store         = (*SQLStore)(nil)
	_ notification.TemplateStore = (*SQLTemplateStore)(nil)
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// OpenSQL connects to a Postgres or SQLite database.
func OpenSQL(driverName, dsn string, maxConns int) (*sqlx.DB, error) {
	if driverName == DriverSQLite {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", driverName, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(max(1, maxConns/2))
	}

	if driverName == DriverSQLite {
		// SQLite allows a single writer; a busy timeout queues the rest.
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("configuring sqlite (%s): %w", pragma, err)
			}
		}
	}
	return db, nil
}

// timeLayout is fixed-width UTC so that SQLite text comparison orders
// timestamps correctly. Postgres parses the same literal into TIMESTAMPTZ.
const timeLayout = "2006-01-02 15:04:05.000000+00:00"

// sqlTime maps the zero time to NULL.
type sqlTime struct {
	time.Time
}

func newSQLTime(t *time.Time) sqlTime {
	if t == nil {
		return sqlTime{}
	}
	return sqlTime{*t}
}

func (t sqlTime) ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

func (t sqlTime) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC().Format(timeLayout), nil
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// notificationRow is the persisted shape of a notification.
type notificationRow struct {
	ID                string  `db:"id"`
	BatchID           string  `db:"batch_id"`
	TemplateID        string  `db:"template_id"`
	IdempotencyKey    string  `db:"idempotency_key"`
	TriggerEvent      string  `db:"trigger_event"`
	Channel           string  `db:"channel"`
	Priority          int     `db:"priority"`
	Title             string  `db:"title"`
	Message           string  `db:"message"`
	Content           string  `db:"content"`
	Metadata          string  `db:"metadata"`
	Status            string  `db:"status"`
	AdminID           string  `db:"admin_id"`
	Address           string  `db:"address"`
	ProviderMessageID string  `db:"provider_message_id"`
	FailureReason     string  `db:"failure_reason"`
	RetryCount        int     `db:"retry_count"`
	MaxRetries        int     `db:"max_retries"`
	Attempts          int     `db:"attempts"`
	Version           int     `db:"version"`
	CreatedAt         sqlTime `db:"created_at"`
	UpdatedAt         sqlTime `db:"updated_at"`
	ScheduledAt       sqlTime `db:"scheduled_at"`
	NextAttemptAt     sqlTime `db:"next_attempt_at"`
	AttemptStartedAt  sqlTime `db:"attempt_started_at"`
	SentAt            sqlTime `db:"sent_at"`
	DeliveredAt       sqlTime `db:"delivered_at"`
	OpenedAt          sqlTime `db:"opened_at"`
	ClickedAt         sqlTime `db:"clicked_at"`
}

const notificationColumns = `id, batch_id, template_id, idempotency_key, trigger_event, channel, priority,
	title, message, content, metadata, status, admin_id, address, provider_message_id, failure_reason,
	retry_count, max_retries, attempts, version, created_at, updated_at, scheduled_at, next_attempt_at,
	attempt_started_at, sent_at, delivered_at, opened_at, clicked_at`

func toRow(n *notification.Notification) (*notificationRow, error) {
	content, err := json.Marshal(n.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return &notificationRow{
		ID:                n.ID,
		BatchID:           n.BatchID,
		TemplateID:        n.TemplateID,
		IdempotencyKey:    n.IdempotencyKey,
		TriggerEvent:      string(n.TriggerEvent),
		Channel:           string(n.Channel),
		Priority:          int(n.Priority),
		Title:             n.Title,
		Message:           n.Message,
		Content:           string(content),
		Metadata:          string(metadata),
		Status:            string(n.Status),
		AdminID:           n.AdminID,
		Address:           n.Address,
		ProviderMessageID: n.ProviderMessageID,
		FailureReason:     n.FailureReason,
		RetryCount:        n.RetryCount,
		MaxRetries:        n.MaxRetries,
		Attempts:          n.Attempts,
		Version:           n.Version,
		CreatedAt:         sqlTime{n.CreatedAt},
		UpdatedAt:         sqlTime{n.UpdatedAt},
		ScheduledAt:       newSQLTime(n.ScheduledAt),
		NextAttemptAt:     newSQLTime(n.NextAttemptAt),
		AttemptStartedAt:  newSQLTime(n.AttemptStartedAt),
		SentAt:            newSQLTime(n.SentAt),
		DeliveredAt:       newSQLTime(n.DeliveredAt),
		OpenedAt:          newSQLTime(n.OpenedAt),
		ClickedAt:         newSQLTime(n.ClickedAt),
	}, nil
}

func (r *notificationRow) toDomain() (*notification.Notification, error) {
	n := &notification.Notification{
		ID:                r.ID,
		BatchID:           r.BatchID,
		TemplateID:        r.TemplateID,
		IdempotencyKey:    r.IdempotencyKey,
		TriggerEvent:      notification.TriggerEvent(r.TriggerEvent),
		Channel:           notification.Channel(r.Channel),
		Priority:          notification.Priority(r.Priority),
		Title:             r.Title,
		Message:           r.Message,
		Status:            notification.Status(r.Status),
		AdminID:           r.AdminID,
		Address:           r.Address,
		ProviderMessageID: r.ProviderMessageID,
		FailureReason:     r.FailureReason,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		Attempts:          r.Attempts,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
		ScheduledAt:       r.ScheduledAt.ptr(),
		NextAttemptAt:     r.NextAttemptAt.ptr(),
		AttemptStartedAt:  r.AttemptStartedAt.ptr(),
		SentAt:            r.SentAt.ptr(),
		DeliveredAt:       r.DeliveredAt.ptr(),
		OpenedAt:          r.OpenedAt.ptr(),
		ClickedAt:         r.ClickedAt.ptr(),
	}
	if r.Content != "" {
		if err := json.Unmarshal([]byte(r.Content), &n.Content); err != nil {
			return nil, fmt.Errorf("decoding content of %s: %w", r.ID, err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", r.ID, err)
		}
	}
	return n, nil
}

func toDomainList(rows []notificationRow) ([]*notification.Notification, error) {
	out := make([]*notification.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// SQLStore implements notification.Store on Postgres or SQLite through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a SQL-backed notification store.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, n *notification.Notification) error {
	row, err := toRow(n)
	if err != nil {
		return err
	}
	query := `INSERT INTO notifications (` + notificationColumns + `) VALUES (
		:id, :batch_id, :template_id, :idempotency_key, :trigger_event, :channel, :priority,
		:title, :message, :content, :metadata, :status, :admin_id, :address, :provider_message_id, :failure_reason,
		:retry_count, :max_retries, :attempts, :version, :created_at, :updated_at, :scheduled_at, :next_attempt_at,
		:attempt_started_at, :sent_at, :delivered_at, :opened_at, :clicked_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting notification: %w", common.NewConflictError("notification", n.ID))
		}
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// isUniqueViolation reports a duplicate id or idempotency tuple on either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*notification.Notification, error) {
	var row notificationRow
	query := s.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewNotFoundError("notification", id)
		}
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return row.toDomain()
}

// where renders the filter as a WHERE clause with ? placeholders.
func where(f notification.ListFilter) (string, []any, error) {
	var conds []string
	var args []any
	add := func(cond string, a ...any) {
		conds = append(conds, cond)
		args = append(args, a...)
	}
	if len(f.Statuses) > 0 {
		add("status IN (?)", f.Statuses)
	}
	if len(f.Channels) > 0 {
		add("channel IN (?)", f.Channels)
	}
	if len(f.Events) > 0 {
		add("trigger_event IN (?)", f.Events)
	}
	if f.Recipient != "" {
		add("(address = ? OR admin_id = ?)", f.Recipient, f.Recipient)
	}
	if f.BatchID != "" {
		add("batch_id = ?", f.BatchID)
	}
	if f.IdempotencyKey != "" {
		add("idempotency_key = ?", f.IdempotencyKey)
	}
	if f.ProviderMessageID != "" {
		add("provider_message_id = ?", f.ProviderMessageID)
	}
	if f.From != nil {
		add("created_at >= ?", newSQLTime(f.From))
	}
	if f.To != nil {
		add("created_at < ?", newSQLTime(f.To))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}

	clause, args, err := sqlx.In(" WHERE "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return "", nil, fmt.Errorf("expanding filter: %w", err)
	}
	return clause, args, nil
}

func (s *SQLStore) List(ctx context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()
	clause, args, err := where(filter)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(`SELECT COUNT(*) FROM notifications`+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("counting notifications: %w", err)
	}

	query := s.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications` + clause + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`)
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, append(args, filter.PageSize, filter.Offset())...); err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}

	out, err := toDomainList(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SQLStore) Update(ctx context.Context, n *notification.Notification, expected notification.Status) error {
	row, err := toRow(n)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`UPDATE notifications SET
		status = ?, priority = ?, title = ?, message = ?, content = ?, provider_message_id = ?, failure_reason = ?,
		retry_count = ?, attempts = ?, updated_at = ?, scheduled_at = ?, next_attempt_at = ?, attempt_started_at = ?,
		sent_at = ?, delivered_at = ?, opened_at = ?, clicked_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query,
		row.Status, row.Priority, row.Title, row.Message, row.Content, row.ProviderMessageID, row.FailureReason,
		row.RetryCount, row.Attempts, row.UpdatedAt, row.ScheduledAt, row.NextAttemptAt, row.AttemptStartedAt,
		row.SentAt, row.DeliveredAt, row.OpenedAt, row.ClickedAt,
		row.ID, string(expected), row.Version,
	)
	if err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result: %w", err)
	}
	if affected == 0 {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE id = ?`), n.ID); err != nil {
			return fmt.Errorf("checking notification: %w", err)
		}
		if count == 0 {
			return common.NewNotFoundError("notification", n.ID)
		}
		return common.NewConflictError("notification", n.ID)
	}
	n.Version++
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM notifications WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return common.NewNotFoundError("notification", id)
	}
	return nil
}

func (s *SQLStore) Purge(ctx context.Context, olderThan time.Time) ([]*notification.Notification, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	cutoff := sqlTime{olderThan}
	var rows []notificationRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE created_at < ?`), cutoff); err != nil {
		return nil, fmt.Errorf("selecting purge candidates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM notifications WHERE created_at < ?`), cutoff); err != nil {
		return nil, fmt.Errorf("purging notifications: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purge: %w", err)
	}
	return toDomainList(rows)
}

func (s *SQLStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*notification.Notification, error) {
	cutoff := sqlTime{olderThan}
	query := s.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications
		WHERE status = ? AND (
			(attempt_started_at IS NOT NULL AND attempt_started_at < ?)
			OR (attempt_started_at IS NULL AND next_attempt_at IS NOT NULL AND next_attempt_at < ?)
			OR (attempt_started_at IS NULL AND next_attempt_at IS NULL AND updated_at < ?)
		)
		ORDER BY updated_at ASC
		LIMIT ?`)
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, string(notification.StatusPending), cutoff, cutoff, cutoff, limit); err != nil {
		return nil, fmt.Errorf("listing stale notifications: %w", err)
	}
	return toDomainList(rows)
}

// templateRow keeps the queryable fields in columns and the channel
// sub-templates, defaults and conditions in one JSON definition.
type templateRow struct {
	ID           string  `db:"id"`
	Name         string  `db:"name"`
	TriggerEvent string  `db:"trigger_event"`
	Active       bool    `db:"active"`
	Definition   string  `db:"definition"`
	CreatedAt    sqlTime `db:"created_at"`
	UpdatedAt    sqlTime `db:"updated_at"`
}

func toTemplateRow(t *notification.Template) (*templateRow, error) {
	def, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}
	return &templateRow{
		ID:           t.ID,
		Name:         t.Name,
		TriggerEvent: string(t.TriggerEvent),
		Active:       t.Active,
		Definition:   string(def),
		CreatedAt:    sqlTime{t.CreatedAt},
		UpdatedAt:    sqlTime{t.UpdatedAt},
	}, nil
}

func (r *templateRow) toDomain() (*notification.Template, error) {
	var t notification.Template
	if err := json.Unmarshal([]byte(r.Definition), &t); err != nil {
		return nil, fmt.Errorf("decoding template %s: %w", r.ID, err)
	}
	t.ID = r.ID
	t.Active = r.Active
	t.CreatedAt = r.CreatedAt.Time
	t.UpdatedAt = r.UpdatedAt.Time
	return &t, nil
}

// SQLTemplateStore implements notification.TemplateStore on Postgres or SQLite.
type SQLTemplateStore struct {
	db *sqlx.DB
}

// NewSQLTemplateStore creates a SQL-backed template store.
func NewSQLTemplateStore(db *sqlx.DB) *SQLTemplateStore {
	return &SQLTemplateStore{db: db}
}

func (s *SQLTemplateStore) Create(ctx context.Context, t *notification.Template) error {
	row, err := toTemplateRow(t)
	if err != nil {
		return err
	}
	query := `INSERT INTO templates (id, name, trigger_event, active, definition, created_at, updated_at)
		VALUES (:id, :name, :trigger_event, :active, :definition, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("inserting template: %w", err)
	}
	return nil
}

func (s *SQLTemplateStore) Get(ctx context.Context, id string) (*notification.Template, error) {
	var row templateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, name, trigger_event, active, definition, created_at, updated_at FROM templates WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewNotFoundError("template", id)
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return row.toDomain()
}

func (s *SQLTemplateStore) List(ctx context.Context) ([]*notification.Template, error) {
	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, trigger_event, active, definition, created_at, updated_at FROM templates ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	out := make([]*notification.Template, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLTemplateStore) Update(ctx context.Context, t *notification.Template) error {
	row, err := toTemplateRow(t)
	if err != nil {
		return err
	}
	query := `UPDATE templates SET name = :name, trigger_event = :trigger_event, active = :active,
		definition = :definition, updated_at = :updated_at WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("updating template: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return common.NewNotFoundError("template", t.ID)
	}
	return nil
}

func (s *SQLTemplateStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM templates WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return common.NewNotFoundError("template", id)
	}
	return nil
}
