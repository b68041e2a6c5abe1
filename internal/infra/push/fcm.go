package push

import (
	"context"
	"errors"
	"fmt"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var _ notification.Sender = (*FCMSender)(nil)

// FCMSender delivers push notifications through the FCM HTTP v1 API. The
// recipient address is the device registration token.
type FCMSender struct {
	service *fcm.Service
	parent  string
}

// NewFCMSender creates a sender for projectID. opts carry credentials, for
// example option.WithCredentialsFile.
func NewFCMSender(ctx context.Context, projectID string, opts ...option.ClientOption) (*FCMSender, error) {
	if projectID == "" {
		return nil, errors.New("fcm project id is required")
	}
	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating fcm service: %w", err)
	}
	return &FCMSender{service: svc, parent: "projects/" + projectID}, nil
}

func (s *FCMSender) Channel() notification.Channel {
	return notification.ChannelPush
}

func (s *FCMSender) Send(ctx context.Context, d *notification.Delivery) (notification.SendResult, error) {
	channel := string(notification.ChannelPush)
	if d.Address == "" {
		return notification.SendResult{}, common.NewPermanentSendError(channel, "recipient has no device token", nil)
	}

	priority := "NORMAL"
	if d.Priority >= notification.PriorityHigh {
		priority = "HIGH"
	}

	msg := &fcm.Message{
		Token: d.Address,
		Notification: &fcm.Notification{
			Title: d.Content.Subject,
			Body:  d.Content.Body,
		},
		Data: map[string]string{
			"notificationId": d.NotificationID,
			"triggerEvent":   string(d.TriggerEvent),
		},
		Android: &fcm.AndroidConfig{Priority: priority},
	}
	if d.Content.ActionURL != "" {
		msg.Data["actionUrl"] = d.Content.ActionURL
	}

	sent, err := s.service.Projects.Messages.Send(s.parent, &fcm.SendMessageRequest{Message: msg}).Context(ctx).Do()
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) {
			return notification.SendResult{}, common.NewHTTPSendError(channel, gErr.Code, gErr.Message)
		}
		return notification.SendResult{}, common.NewTransientSendError(channel, "fcm send failed", err)
	}
	return notification.SendResult{ProviderMessageID: sent.Name}, nil
}
