package notification

import (
	"context"
	"fmt"

	"herald/internal/common"

	"golang.org/x/time/rate"
)

// Delivery is what a sender receives: rendered content plus the address for one channel.
type Delivery struct {
	NotificationID string
	Channel        Channel
	Priority       Priority
	TriggerEvent   TriggerEvent
	Address        string
	AdminID        string
	Content        Content
	Metadata       Metadata
}

// SendResult is an accepted delivery.
type SendResult struct {
	ProviderMessageID string
}

// Sender defines the contract for a notification delivery channel.
// Implementations live in infra/ (Resend for email, SNS for SMS, ...).
// A rejected delivery should return a common.SendError; any other error is
// treated as transient.
type Sender interface {
	Send(ctx context.Context, d *Delivery) (SendResult, error)

	// Channel returns which delivery channel this sender handles.
	Channel() Channel
}

// Senders is the channel lookup table used by the worker.
type Senders map[Channel]Sender

// NewSenders builds the lookup table. A later sender for the same channel replaces an earlier one.
func NewSenders(senders ...Sender) Senders {
	m := make(Senders, len(senders))
	for _, s := range senders {
		if s != nil {
			m[s.Channel()] = s
		}
	}
	return m
}

// Throttle wraps s so it never exceeds perSecond calls with the given burst.
// Waiting past the context deadline is reported as a transient failure.
func Throttle(s Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		return s
	}
	if burst < 1 {
		burst = 1
	}
	return &throttledSender{next: s, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type throttledSender struct {
	next    Sender
	limiter *rate.Limiter
}

func (t *throttledSender) Channel() Channel { return t.next.Channel() }

func (t *throttledSender) Send(ctx context.Context, d *Delivery) (SendResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{}, common.NewTransientSendError(string(d.Channel), fmt.Sprintf("provider throttle: %v", err), err)
	}
	return t.next.Send(ctx, d)
}
