package sandbox

import (
	"context"
	"strings"
	"testing"

	"herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_RecordsDeliveries(t *testing.T) {
	s := NewSender(notification.ChannelSMS)
	res, err := s.Send(context.Background(), &notification.Delivery{NotificationID: "n-1", Address: "+14155550100"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.ProviderMessageID, "sandbox-"))
	require.Len(t, s.Sent(), 1)
	assert.Equal(t, "n-1", s.Sent()[0].NotificationID)
}

func TestNewSenders_CoversEveryChannel(t *testing.T) {
	senders := notification.NewSenders(NewSenders()...)
	for _, ch := range notification.AllChannels {
		assert.Contains(t, senders, ch)
	}
}
