package notification

import (
	"encoding/json"
	"fmt"
	"html"
	"maps"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"herald/internal/common"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// OverflowPolicy decides what happens to SMS content longer than its limit.
type OverflowPolicy string

const (
	OverflowTruncate OverflowPolicy = "truncate"
	OverflowReject   OverflowPolicy = "reject"
)

// DefaultSMSMaxLength is the single-segment GSM limit.
const DefaultSMSMaxLength = 160

// RendererConfig holds renderer settings.
type RendererConfig struct {
	SMSMaxLength int
	SMSOverflow  OverflowPolicy
}

// Renderer resolves templates into channel-ready content. It performs no I/O.
type Renderer struct {
	smsMaxLength int
	smsOverflow  OverflowPolicy
}

// NewRenderer creates a renderer, applying defaults for unset fields.
func NewRenderer(cfg RendererConfig) *Renderer {
	if cfg.SMSMaxLength <= 0 {
		cfg.SMSMaxLength = DefaultSMSMaxLength
	}
	if cfg.SMSOverflow != OverflowReject {
		cfg.SMSOverflow = OverflowTruncate
	}
	return &Renderer{smsMaxLength: cfg.SMSMaxLength, smsOverflow: cfg.SMSOverflow}
}

// MergeVariables layers the variable sources. Later layers win: recipient
// overrides beat template defaults, which beat event metadata.
func MergeVariables(md Metadata, defaults, overrides map[string]any) map[string]any {
	vars := md.Variables()
	maps.Copy(vars, defaults)
	maps.Copy(vars, overrides)
	return vars
}

// Render produces the content of t for channel ch. Every unresolved
// placeholder across all fields of the sub-template is reported together.
func (r *Renderer) Render(t *Template, ch Channel, vars map[string]any) (Content, error) {
	if !t.Declares(ch) {
		return Content{}, common.NewValidationError(fmt.Sprintf("template '%s' does not declare channel %s", t.ID, ch))
	}
	if !contains(t.populated(), ch) {
		return Content{}, common.NewTemplateMissingForChannelError(t.ID, string(ch))
	}

	s := &substituter{vars: vars, seen: make(map[string]bool)}
	var c Content

	switch ch {
	case ChannelEmail:
		c.Subject = s.apply(t.Email.Subject, plain)
		c.HTML = s.apply(t.Email.HTML, html.EscapeString)
		if t.Email.Text != "" {
			c.Body = s.apply(t.Email.Text, plain)
		} else {
			c.Body = stripHTML(c.HTML)
		}
	case ChannelSlack:
		c.Body = s.apply(t.Slack.Text, plain)
		c.SlackChannel = s.apply(t.Slack.Channel, plain)
		c.Username = s.apply(t.Slack.Username, plain)
		c.IconEmoji = t.Slack.IconEmoji
		c.IconURL = s.apply(t.Slack.IconURL, plain)
	case ChannelSMS:
		c.Body = s.apply(t.SMS.Body, plain)
	case ChannelInApp:
		c.Subject = s.apply(t.InApp.Title, plain)
		c.Body = s.apply(t.InApp.Body, plain)
		c.ActionURL = s.apply(t.InApp.ActionURL, plain)
	case ChannelWebhook:
		c.Body = s.apply(t.Webhook.Payload, jsonString)
	case ChannelPush:
		c.Subject = s.apply(t.Push.Title, plain)
		c.Body = s.apply(t.Push.Body, plain)
	}

	if len(s.missing) > 0 {
		return Content{}, common.NewMissingVariablesError(s.missing)
	}

	if ch == ChannelSMS {
		limit := r.smsMaxLength
		if t.SMS.MaxLength > 0 {
			limit = t.SMS.MaxLength
		}
		body, err := r.fitSMS(c.Body, limit)
		if err != nil {
			return Content{}, err
		}
		c.Body = body
	}
	return c, nil
}

func (r *Renderer) fitSMS(body string, limit int) (string, error) {
	if utf8.RuneCountInString(body) <= limit {
		return body, nil
	}
	if r.smsOverflow == OverflowReject {
		return "", common.NewValidationError(fmt.Sprintf("sms content is %d characters, limit is %d", utf8.RuneCountInString(body), limit))
	}
	return string([]rune(body)[:limit]), nil
}

// substituter replaces placeholders and accumulates unresolved names in
// first-appearance order, each once.
type substituter struct {
	vars    map[string]any
	missing []string
	seen    map[string]bool
}

func (s *substituter) apply(text string, escape func(string) string) string {
	if text == "" {
		return ""
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := lookup(s.vars, name)
		if !ok {
			if !s.seen[name] {
				s.seen[name] = true
				s.missing = append(s.missing, name)
			}
			return m
		}
		return escape(formatValue(v))
	})
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func plain(s string) string { return s }

// jsonString escapes s for use inside a quoted JSON string.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// stripHTML removes HTML tags and collapses whitespace to produce a plain-text version.
func stripHTML(s string) string {
	text := tagRe.ReplaceAllString(s, " ")
	text = html.UnescapeString(text)
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
