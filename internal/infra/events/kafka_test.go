package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"herald/internal/domain/notification"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisher_PublishTransition(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev notification.TransitionEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.NotificationID != "n-1" || ev.To != notification.StatusSent {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	p := NewKafkaPublisherWithProducer(producer, "herald.transitions")
	err := p.PublishTransition(context.Background(), notification.TransitionEvent{
		NotificationID: "n-1",
		Channel:        notification.ChannelEmail,
		From:           notification.StatusPending,
		To:             notification.StatusSent,
		At:             time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_Failure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWithProducer(producer, "herald.transitions")
	err := p.PublishTransition(context.Background(), notification.TransitionEvent{NotificationID: "n-1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewKafkaPublisherWithProducer(producer, "herald.transitions")
	assert.ErrorIs(t, p.PublishTransition(ctx, notification.TransitionEvent{NotificationID: "n-1"}), context.Canceled)
	require.NoError(t, p.Close())
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
