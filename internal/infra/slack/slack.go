package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

var _ notification.Sender = (*WebhookSender)(nil)

// WebhookSender posts messages to a Slack incoming webhook. The recipient
// address, when set, is itself a webhook URL and overrides the default one.
type WebhookSender struct {
	webhookURL string
	username   string
	iconEmoji  string
	httpClient *http.Client
}

// NewWebhookSender creates a Slack sender posting to webhookURL.
func NewWebhookSender(webhookURL, username, iconEmoji string) *WebhookSender {
	return &WebhookSender{
		webhookURL: webhookURL,
		username:   username,
		iconEmoji:  iconEmoji,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) Channel() notification.Channel {
	return notification.ChannelSlack
}

type message struct {
	Text      string `json:"text"`
	Channel   string `json:"channel,omitempty"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
	IconURL   string `json:"icon_url,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, d *notification.Delivery) (notification.SendResult, error) {
	channel := string(notification.ChannelSlack)

	url := s.webhookURL
	if strings.HasPrefix(d.Address, "https://") || strings.HasPrefix(d.Address, "http://") {
		url = d.Address
	}
	if url == "" {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "no slack webhook configured", nil)
	}

	msg := message{
		Text:      d.Content.Body,
		Channel:   d.Content.SlackChannel,
		Username:  firstNonEmpty(d.Content.Username, s.username),
		IconEmoji: firstNonEmpty(d.Content.IconEmoji, s.iconEmoji),
		IconURL:   d.Content.IconURL,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "marshaling slack payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return notification.SendResult{}, common.NewTransientSendError(channel, "executing request", err)
	}
	defer resp.Body.Close()

	// Slack answers errors with a short plain-text code such as channel_not_found.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 400 {
		return notification.SendResult{}, common.NewHTTPSendError(channel, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// Incoming webhooks return no message id.
	return notification.SendResult{}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
