package notification

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSlack   Channel = "SLACK"
	ChannelSMS     Channel = "SMS"
	ChannelInApp   Channel = "IN_APP"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelPush    Channel = "PUSH"
)

// AllChannels lists every supported channel in a stable order.
var AllChannels = []Channel{ChannelEmail, ChannelSlack, ChannelSMS, ChannelInApp, ChannelWebhook, ChannelPush}

// IsValid checks whether a channel is recognized.
func (c Channel) IsValid() bool {
	for _, ch := range AllChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// ParseChannel accepts any casing ("email", "in_app") and returns the canonical channel.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("unsupported channel: %s", s)
	}
	return ch, nil
}

// TriggerEvent is the business occurrence that caused a notification.
type TriggerEvent string

const (
	EventNewUserSignup        TriggerEvent = "NEW_USER_SIGNUP"
	EventUserProfileUpdated   TriggerEvent = "USER_PROFILE_UPDATED"
	EventDateCurated          TriggerEvent = "DATE_CURATED"
	EventDateConfirmed        TriggerEvent = "DATE_CONFIRMED"
	EventDateCancelled        TriggerEvent = "DATE_CANCELLED"
	EventDateReminder         TriggerEvent = "DATE_REMINDER"
	EventPaymentSucceeded     TriggerEvent = "PAYMENT_SUCCEEDED"
	EventPaymentFailed        TriggerEvent = "PAYMENT_FAILED"
	EventSubscriptionRenewed  TriggerEvent = "SUBSCRIPTION_RENEWED"
	EventSubscriptionExpiring TriggerEvent = "SUBSCRIPTION_EXPIRING"
	EventSecurityAlert        TriggerEvent = "SECURITY_ALERT"
	EventSystemError          TriggerEvent = "SYSTEM_ERROR"
	EventSystemMaintenance    TriggerEvent = "SYSTEM_MAINTENANCE"
	EventCustom               TriggerEvent = "CUSTOM"
)

// validEvents is the set of all recognized trigger events.
var validEvents = map[TriggerEvent]bool{
	EventNewUserSignup:        true,
	EventUserProfileUpdated:   true,
	EventDateCurated:          true,
	EventDateConfirmed:        true,
	EventDateCancelled:        true,
	EventDateReminder:         true,
	EventPaymentSucceeded:     true,
	EventPaymentFailed:        true,
	EventSubscriptionRenewed:  true,
	EventSubscriptionExpiring: true,
	EventSecurityAlert:        true,
	EventSystemError:          true,
	EventSystemMaintenance:    true,
	EventCustom:               true,
}

// IsValid checks whether a trigger event is recognized.
func (e TriggerEvent) IsValid() bool {
	return validEvents[e]
}

// Priority orders notifications by urgency: LOW < NORMAL < HIGH < URGENT < CRITICAL.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityUrgent:   "URGENT",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// IsValid checks whether a priority is one of the defined levels.
func (p Priority) IsValid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses a priority name; the empty string yields NORMAL.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unsupported priority: %s", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status represents the delivery status of a notification.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusSent         Status = "SENT"
	StatusDelivered    Status = "DELIVERED"
	StatusFailed       Status = "FAILED"
	StatusBounced      Status = "BOUNCED"
	StatusOpened       Status = "OPENED"
	StatusClicked      Status = "CLICKED"
	StatusUnsubscribed Status = "UNSUBSCRIBED"
	StatusCancelled    Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusSent, StatusDelivered, StatusOpened, StatusClicked,
	StatusBounced, StatusFailed, StatusUnsubscribed, StatusCancelled,
}

// IsValid checks whether a status is recognized.
func (s Status) IsValid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Metadata is the structured context attached to a notification at creation.
type Metadata struct {
	ResourceType      string         `json:"resourceType,omitempty"`
	ResourceID        string         `json:"resourceId,omitempty"`
	UserID            string         `json:"userId,omitempty"`
	UserEmail         string         `json:"userEmail,omitempty"`
	Amount            *float64       `json:"amount,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	City              string         `json:"city,omitempty"`
	DateTime          *time.Time     `json:"dateTime,omitempty"`
	ActionURL         string         `json:"actionUrl,omitempty"`
	ActionText        string         `json:"actionText,omitempty"`
	TemplateVariables map[string]any `json:"templateVariables,omitempty"`
	AdditionalData    map[string]any `json:"additionalData,omitempty"`
}

// Variables flattens metadata into the lowest-precedence variable layer.
// Explicit templateVariables win over additionalData, and both win over the named fields.
func (m Metadata) Variables() map[string]any {
	vars := make(map[string]any)
	set := func(k, v string) {
		if v != "" {
			vars[k] = v
		}
	}
	set("resourceType", m.ResourceType)
	set("resourceId", m.ResourceID)
	set("userId", m.UserID)
	set("userEmail", m.UserEmail)
	set("currency", m.Currency)
	set("city", m.City)
	set("actionUrl", m.ActionURL)
	set("actionText", m.ActionText)
	if m.Amount != nil {
		vars["amount"] = *m.Amount
	}
	if m.DateTime != nil {
		vars["dateTime"] = m.DateTime.UTC().Format(time.RFC3339)
	}
	maps.Copy(vars, m.AdditionalData)
	maps.Copy(vars, m.TemplateVariables)
	return vars
}

// Content is the channel-ready payload produced by rendering. It is stored on
// the record so a deferred send never has to re-render.
type Content struct {
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	HTML      string `json:"html,omitempty"`
	ActionURL string `json:"actionUrl,omitempty"`

	// Slack overrides.
	SlackChannel string `json:"slackChannel,omitempty"`
	Username     string `json:"username,omitempty"`
	IconEmoji    string `json:"iconEmoji,omitempty"`
	IconURL      string `json:"iconUrl,omitempty"`
}

// Notification is the unit of work: one record per (recipient, channel).
type Notification struct {
	ID                string       `json:"id"`
	BatchID           string       `json:"batchId,omitempty"`
	TemplateID        string       `json:"templateId,omitempty"`
	IdempotencyKey    string       `json:"idempotencyKey,omitempty"`
	TriggerEvent      TriggerEvent `json:"triggerEvent"`
	Channel           Channel      `json:"channel"`
	Priority          Priority     `json:"priority"`
	Title             string       `json:"title"`
	Message           string       `json:"message"`
	Content           Content      `json:"content"`
	Metadata          Metadata     `json:"metadata"`
	Status            Status       `json:"status"`
	AdminID           string       `json:"adminId,omitempty"`
	Address           string       `json:"address,omitempty"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	FailureReason     string       `json:"failureReason,omitempty"`
	RetryCount        int          `json:"retryCount"`
	MaxRetries        int          `json:"maxRetries"`
	Attempts          int          `json:"attempts"`
	Version           int          `json:"version"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	ScheduledAt       *time.Time   `json:"scheduledAt,omitempty"`
	NextAttemptAt     *time.Time   `json:"nextAttemptAt,omitempty"`
	AttemptStartedAt  *time.Time   `json:"attemptStartedAt,omitempty"`
	SentAt            *time.Time   `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time   `json:"deliveredAt,omitempty"`
	OpenedAt          *time.Time   `json:"openedAt,omitempty"`
	ClickedAt         *time.Time   `json:"clickedAt,omitempty"`
}

// DefaultMaxRetries applies when a request does not set maxRetries.
const DefaultMaxRetries = 3

// Clone returns a deep copy safe to mutate.
func (n *Notification) Clone() *Notification {
	c := *n
	c.Metadata.TemplateVariables = maps.Clone(n.Metadata.TemplateVariables)
	c.Metadata.AdditionalData = maps.Clone(n.Metadata.AdditionalData)
	c.ScheduledAt = cloneTime(n.ScheduledAt)
	c.NextAttemptAt = cloneTime(n.NextAttemptAt)
	c.AttemptStartedAt = cloneTime(n.AttemptStartedAt)
	c.SentAt = cloneTime(n.SentAt)
	c.DeliveredAt = cloneTime(n.DeliveredAt)
	c.OpenedAt = cloneTime(n.OpenedAt)
	c.ClickedAt = cloneTime(n.ClickedAt)
	if n.Metadata.Amount != nil {
		a := *n.Metadata.Amount
		c.Metadata.Amount = &a
	}
	c.Metadata.DateTime = cloneTime(n.Metadata.DateTime)
	return &c
}

// InFlight reports whether a send attempt has claimed the record.
func (n *Notification) InFlight() bool {
	return n.AttemptStartedAt != nil
}

// Exhausted reports whether no automatic retry remains.
func (n *Notification) Exhausted() bool {
	return n.RetryCount >= n.MaxRetries
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Recipient identifies who a notification goes to. Addresses holds per-channel
// addresses; Address is the fallback for any channel without one.
type Recipient struct {
	AdminID   string             `json:"adminId,omitempty"`
	Address   string             `json:"address,omitempty"`
	Addresses map[Channel]string `json:"addresses,omitempty"`
	Variables map[string]any     `json:"variables,omitempty"`
}

// AddressFor resolves the delivery address for a channel. IN_APP falls back to the admin id.
func (r Recipient) AddressFor(ch Channel) string {
	if a := strings.TrimSpace(r.Addresses[ch]); a != "" {
		return a
	}
	if a := strings.TrimSpace(r.Address); a != "" {
		return a
	}
	if ch == ChannelInApp {
		return r.AdminID
	}
	return ""
}

// Key identifies the recipient for rate limiting and results.
func (r Recipient) Key() string {
	if r.AdminID != "" {
		return r.AdminID
	}
	if r.Address != "" {
		return r.Address
	}
	for _, ch := range AllChannels {
		if a := r.Addresses[ch]; a != "" {
			return a
		}
	}
	return ""
}

// Pagination bounds for list queries.
const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// ListFilter defines pagination and filtering options for listing notifications.
type ListFilter struct {
	Page              int            `form:"page"`
	PageSize          int            `form:"page_size"`
	Statuses          []Status       `form:"status"`
	Channels          []Channel      `form:"channel"`
	Events            []TriggerEvent `form:"trigger_event"`
	Recipient         string         `form:"recipient"`
	BatchID           string         `form:"batch_id"`
	From              *time.Time     `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To                *time.Time     `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	IdempotencyKey    string         `form:"-"`
	ProviderMessageID string         `form:"-"`
}

// Normalize applies pagination defaults and bounds.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// Offset returns the zero-based row offset for the current page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches reports whether n satisfies every filter field. Stores that cannot
// express a filter natively use it to post-filter.
func (f ListFilter) Matches(n *Notification) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, n.Status) {
		return false
	}
	if len(f.Channels) > 0 && !contains(f.Channels, n.Channel) {
		return false
	}
	if len(f.Events) > 0 && !contains(f.Events, n.TriggerEvent) {
		return false
	}
	if f.Recipient != "" && f.Recipient != n.Address && f.Recipient != n.AdminID {
		return false
	}
	if f.BatchID != "" && f.BatchID != n.BatchID {
		return false
	}
	if f.IdempotencyKey != "" && f.IdempotencyKey != n.IdempotencyKey {
		return false
	}
	if f.ProviderMessageID != "" && f.ProviderMessageID != n.ProviderMessageID {
		return false
	}
	if f.From != nil && n.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !n.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ListResponse wraps a paginated list of notifications.
type ListResponse struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	Page          int             `json:"page"`
	PageSize      int             `json:"pageSize"`
}
