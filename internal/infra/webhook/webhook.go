package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Herald-Signature"
	HeaderTimestamp = "X-Herald-Timestamp"
	HeaderEvent     = "X-Herald-Event"
	HeaderID        = "X-Herald-Notification-ID"
)

var _ notification.Sender = (*Sender)(nil)

// Sender POSTs JSON to the recipient's URL. With a secret configured, each
// request is signed with HMAC-SHA256 over "<timestamp>.<body>".
type Sender struct {
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

// NewSender creates a webhook sender. secret may be empty.
func NewSender(secret string) *Sender {
	return &Sender{
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (s *Sender) Channel() notification.Channel {
	return notification.ChannelWebhook
}

// envelope wraps free-text content that is not already a JSON document.
type envelope struct {
	NotificationID string                `json:"notificationId"`
	TriggerEvent   string                `json:"triggerEvent"`
	Title          string                `json:"title,omitempty"`
	Message        string                `json:"message"`
	Metadata       notification.Metadata `json:"metadata"`
}

func (s *Sender) Send(ctx context.Context, d *notification.Delivery) (notification.SendResult, error) {
	channel := string(notification.ChannelWebhook)

	target, err := url.Parse(d.Address)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "recipient address is not an http(s) url", err)
	}

	body := []byte(strings.TrimSpace(d.Content.Body))
	if !json.Valid(body) {
		body, err = json.Marshal(envelope{
			NotificationID: d.NotificationID,
			TriggerEvent:   string(d.TriggerEvent),
			Title:          d.Content.Subject,
			Message:        d.Content.Body,
			Metadata:       d.Metadata,
		})
		if err != nil {
			return notification.SendResult{}, common.NewPermanentSendError(channel, "marshaling webhook payload", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(d.TriggerEvent))
	req.Header.Set(HeaderID, d.NotificationID)
	if len(s.secret) > 0 {
		ts := strconv.FormatInt(s.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.secret, ts, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return notification.SendResult{}, common.NewTransientSendError(channel, "executing request", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return notification.SendResult{}, common.NewHTTPSendError(channel, resp.StatusCode, "")
	}
	return notification.SendResult{ProviderMessageID: resp.Header.Get("X-Request-Id")}, nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
