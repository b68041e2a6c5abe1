package inapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

var _ notification.Sender = (*Sender)(nil)

// Message is the frame pushed to subscribers.
type Message struct {
	ID           string                    `json:"id"`
	TriggerEvent notification.TriggerEvent `json:"triggerEvent"`
	Priority     notification.Priority     `json:"priority"`
	Title        string                    `json:"title"`
	Body         string                    `json:"body"`
	ActionURL    string                    `json:"actionUrl,omitempty"`
	SentAt       time.Time                 `json:"sentAt"`
}

// Sender pushes in-app notifications to connected admins. The stored record
// is the inbox, so a recipient with no live connection still counts as sent.
type Sender struct {
	hub *Hub
	now func() time.Time
}

// NewSender creates an in-app sender over hub.
func NewSender(hub *Hub) *Sender {
	return &Sender{hub: hub, now: time.Now}
}

func (s *Sender) Channel() notification.Channel {
	return notification.ChannelInApp
}

func (s *Sender) Send(_ context.Context, d *notification.Delivery) (notification.SendResult, error) {
	adminID := d.AdminID
	if adminID == "" {
		adminID = d.Address
	}
	if adminID == "" {
		return notification.SendResult{}, common.NewPermanentSendError(string(notification.ChannelInApp), "recipient has no admin id", nil)
	}

	payload, err := json.Marshal(Message{
		ID:           d.NotificationID,
		TriggerEvent: d.TriggerEvent,
		Priority:     d.Priority,
		Title:        d.Content.Subject,
		Body:         d.Content.Body,
		ActionURL:    d.Content.ActionURL,
		SentAt:       s.now().UTC(),
	})
	if err != nil {
		return notification.SendResult{}, common.NewPermanentSendError(string(notification.ChannelInApp), "marshaling in-app message", err)
	}

	live := s.hub.Send(adminID, payload)
	slog.Debug("in-app notification pushed", "notification_id", d.NotificationID, "admin_id", adminID, "connections", live)
	return notification.SendResult{ProviderMessageID: fmt.Sprintf("inapp:%s", d.NotificationID)}, nil
}
