package notification

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"herald/internal/common"
)

// EmailTemplate is the EMAIL sub-template. Text is optional; a plain-text
// body is derived from HTML when it is empty.
type EmailTemplate struct {
	Subject string `json:"subject" yaml:"subject"`
	HTML    string `json:"html" yaml:"html"`
	Text    string `json:"text,omitempty" yaml:"text,omitempty"`
}

// SlackTemplate is the SLACK sub-template with optional presentation overrides.
type SlackTemplate struct {
	Text      string `json:"text" yaml:"text"`
	Channel   string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	IconEmoji string `json:"iconEmoji,omitempty" yaml:"icon_emoji,omitempty"`
	IconURL   string `json:"iconUrl,omitempty" yaml:"icon_url,omitempty"`
}

// SMSTemplate is the SMS sub-template. MaxLength of 0 uses the renderer default.
type SMSTemplate struct {
	Body      string `json:"body" yaml:"body"`
	MaxLength int    `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
}

type InAppTemplate struct {
	Title     string `json:"title" yaml:"title"`
	Body      string `json:"body" yaml:"body"`
	ActionURL string `json:"actionUrl,omitempty" yaml:"action_url,omitempty"`
}

type WebhookTemplate struct {
	Payload string `json:"payload" yaml:"payload"`
}

type PushTemplate struct {
	Title string `json:"title" yaml:"title"`
	Body  string `json:"body" yaml:"body"`
}

// Frequency is a template's batching policy.
type Frequency string

const (
	FrequencyImmediate Frequency = "IMMEDIATE"
	FrequencyHourly    Frequency = "HOURLY"
	FrequencyDaily     Frequency = "DAILY"
	FrequencyWeekly    Frequency = "WEEKLY"
)

func (f Frequency) IsValid() bool {
	switch f {
	case "", FrequencyImmediate, FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		return true
	}
	return false
}

// NextWindow returns the start of the next delivery window after now (UTC),
// or the zero time when sends are immediate. Weekly windows open on Monday.
func (f Frequency) NextWindow(now time.Time) time.Time {
	now = now.UTC()
	switch f {
	case FrequencyHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case FrequencyDaily:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return midnight.AddDate(0, 0, 1)
	case FrequencyWeekly:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		days := (8 - int(midnight.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days)
	default:
		return time.Time{}
	}
}

// Operator compares a variable against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// LogicalOperator joins a condition to the result of the conditions before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Condition decides whether a template applies to an event.
type Condition struct {
	Field           string          `json:"field" yaml:"field"`
	Operator        Operator        `json:"operator" yaml:"operator"`
	Value           any             `json:"value,omitempty" yaml:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty" yaml:"logical_operator,omitempty"`
}

// Template is a reusable, parameterized definition of notification content per channel.
type Template struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerEvent TriggerEvent     `json:"triggerEvent" yaml:"trigger_event"`
	Channels     []Channel        `json:"channels" yaml:"channels"`
	Email        *EmailTemplate   `json:"email,omitempty" yaml:"email,omitempty"`
	Slack        *SlackTemplate   `json:"slack,omitempty" yaml:"slack,omitempty"`
	SMS          *SMSTemplate     `json:"sms,omitempty" yaml:"sms,omitempty"`
	InApp        *InAppTemplate   `json:"inApp,omitempty" yaml:"in_app,omitempty"`
	Webhook      *WebhookTemplate `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Push         *PushTemplate    `json:"push,omitempty" yaml:"push,omitempty"`
	Defaults     map[string]any   `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Frequency    Frequency        `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Priority     Priority         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active       bool             `json:"active" yaml:"active"`
	Conditions   []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	CreatedBy    string           `json:"createdBy,omitempty" yaml:"created_by,omitempty"`
	CreatedAt    time.Time        `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time        `json:"updatedAt" yaml:"-"`
}

// TemplateStore persists templates. Implementations live in infra/store/.
type TemplateStore interface {
	Create(ctx context.Context, t *Template) error
	// Get returns a NotFoundError when the id is unknown.
	Get(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
	Update(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
}

// Declares reports whether the template lists ch among its channels.
func (t *Template) Declares(ch Channel) bool {
	return contains(t.Channels, ch)
}

// populated returns the channels whose sub-template carries content.
func (t *Template) populated() []Channel {
	var out []Channel
	if t.Email != nil && (t.Email.Subject != "" || t.Email.HTML != "" || t.Email.Text != "") {
		out = append(out, ChannelEmail)
	}
	if t.Slack != nil && t.Slack.Text != "" {
		out = append(out, ChannelSlack)
	}
	if t.SMS != nil && t.SMS.Body != "" {
		out = append(out, ChannelSMS)
	}
	if t.InApp != nil && (t.InApp.Title != "" || t.InApp.Body != "") {
		out = append(out, ChannelInApp)
	}
	if t.Webhook != nil && t.Webhook.Payload != "" {
		out = append(out, ChannelWebhook)
	}
	if t.Push != nil && (t.Push.Title != "" || t.Push.Body != "") {
		out = append(out, ChannelPush)
	}
	return out
}

// Validate checks a template before it is saved.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return common.NewValidationError("template name is required")
	}
	if !t.TriggerEvent.IsValid() {
		return common.NewValidationError(fmt.Sprintf("unsupported trigger event: %s", t.TriggerEvent))
	}
	if len(t.Channels) == 0 {
		return common.NewValidationError("template must declare at least one channel")
	}
	for _, ch := range t.Channels {
		if !ch.IsValid() {
			return common.NewValidationError(fmt.Sprintf("unsupported channel: %s", ch))
		}
	}
	for _, ch := range t.populated() {
		if !t.Declares(ch) {
			return common.NewValidationError(fmt.Sprintf("template has a %s sub-template but does not declare the channel", ch))
		}
	}
	if !t.Frequency.IsValid() {
		return common.NewValidationError(fmt.Sprintf("unsupported frequency: %s", t.Frequency))
	}
	if t.Priority != 0 && !t.Priority.IsValid() {
		return common.NewValidationError("unsupported template priority")
	}
	for i, c := range t.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return common.NewValidationError(fmt.Sprintf("condition %d: field is required", i))
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan, OpExists, OpNotExists:
		default:
			return common.NewValidationError(fmt.Sprintf("condition %d: unsupported operator %q", i, c.Operator))
		}
		switch c.LogicalOperator {
		case "", LogicalAnd, LogicalOr:
		default:
			return common.NewValidationError(fmt.Sprintf("condition %d: unsupported logical operator %q", i, c.LogicalOperator))
		}
	}
	return nil
}

// Applies evaluates the conditions left to right against vars. The logical
// operator of each condition after the first joins it to the running result.
// A template with no conditions always applies.
func (t *Template) Applies(vars map[string]any) bool {
	result := true
	for i, c := range t.Conditions {
		ok := c.matches(vars)
		if i == 0 {
			result = ok
			continue
		}
		if c.LogicalOperator == LogicalOr {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result
}

func (c Condition) matches(vars map[string]any) bool {
	v, present := lookup(vars, c.Field)
	switch c.Operator {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present {
		return c.Operator == OpNotEquals || c.Operator == OpNotContains
	}

	switch c.Operator {
	case OpEquals:
		return equalValues(v, c.Value)
	case OpNotEquals:
		return !equalValues(v, c.Value)
	case OpContains:
		return containsValue(v, c.Value)
	case OpNotContains:
		return !containsValue(v, c.Value)
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(v)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

// lookup resolves a variable, following dotted paths into nested maps when
// the full name is not a key.
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, v != nil
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func equalValues(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(haystack, needle any) bool {
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equalValues(rv.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprint(haystack), fmt.Sprint(needle))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
