// Package sandbox provides senders that log deliveries instead of calling providers.
package sandbox

import (
	"context"
	"log/slog"
	"sync"

	"herald/internal/domain/notification"

	"github.com/google/uuid"
)

var _ notification.Sender = (*Sender)(nil)

// Sender accepts every delivery for one channel and keeps a copy.
type Sender struct {
	channel notification.Channel

	mu   sync.Mutex
	sent []notification.Delivery
}

// NewSender creates a logging sender for ch.
func NewSender(ch notification.Channel) *Sender {
	return &Sender{channel: ch}
}

// NewSenders creates one logging sender per channel.
func NewSenders() []notification.Sender {
	out := make([]notification.Sender, 0, len(notification.AllChannels))
	for _, ch := range notification.AllChannels {
		out = append(out, NewSender(ch))
	}
	return out
}

func (s *Sender) Channel() notification.Channel {
	return s.channel
}

func (s *Sender) Send(_ context.Context, d *notification.Delivery) (notification.SendResult, error) {
	s.mu.Lock()
	s.sent = append(s.sent, *d)
	s.mu.Unlock()

	id := "sandbox-" + uuid.NewString()
	slog.Info("sandbox delivery",
		"notification_id", d.NotificationID,
		"channel", s.channel,
		"to", d.Address,
		"subject", d.Content.Subject,
		"provider_message_id", id,
	)
	return notification.SendResult{ProviderMessageID: id}, nil
}

// Sent returns a copy of every accepted delivery.
func (s *Sender) Sent() []notification.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Delivery(nil), s.sent...)
}
