package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

const defaultBaseURL = "https://api.resend.com"

var _ notification.Sender = (*ResendSender)(nil)

// ResendSender delivers email through the Resend API.
type ResendSender struct {
	apiKey      string
	fromAddress string
	fromName    string
	baseURL     string
	httpClient  *http.Client
}

// NewResendSender creates a new Resend email sender. An empty baseURL uses
// the public API.
func NewResendSender(apiKey, fromAddress, fromName, baseURL string) *ResendSender {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ResendSender{
		apiKey:      apiKey,
		fromAddress: fromAddress,
		fromName:    fromName,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *ResendSender) Channel() notification.Channel {
	return notification.ChannelEmail
}

// Send posts the rendered email and returns the Resend message id, which
// later correlates delivery webhooks.
func (s *ResendSender) Send(ctx context.Context, d *notification.Delivery) (notification.SendResult, error) {
	channel := string(notification.ChannelEmail)
	if d.Address == "" {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "recipient has no email address", nil)
	}

	from := s.fromAddress
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, s.fromAddress)
	}

	payload := map[string]any{
		"from":    from,
		"to":      []string{d.Address},
		"subject": d.Content.Subject,
		"html":    d.Content.HTML,
		"headers": map[string]string{"X-Notification-ID": d.NotificationID},
	}
	if d.Content.Body != "" {
		payload["text"] = d.Content.Body
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "marshaling email payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(jsonData))
	if err != nil {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Idempotency-Key", d.NotificationID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return notification.SendResult{}, common.NewTransientSendError(channel, "executing request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return notification.SendResult{}, common.NewTransientSendError(channel, "reading response", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return notification.SendResult{}, common.NewHTTPSendError(channel, resp.StatusCode, errResp.Message)
	}

	var ok struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &ok); err != nil {
		return notification.SendResult{}, common.NewTransientSendError(channel, "parsing resend response", err)
	}
	if ok.ID == "" {
		return notification.SendResult{}, common.NewTransientSendError(channel, "resend response has no id", errors.New(string(respBody)))
	}
	return notification.SendResult{ProviderMessageID: ok.ID}, nil
}
