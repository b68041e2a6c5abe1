package notification_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_ChannelsAreIndependent(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	slack := failing(notification.ChannelSlack, common.NewHTTPSendError("SLACK", 404, "channel_not_found"))
	h := newHarness(t, []notification.Sender{email, slack})

	req := plainRequest("ops@example.com", notification.ChannelEmail, notification.ChannelSlack)
	req.Recipients[0].Addresses = map[notification.Channel]string{notification.ChannelSlack: "https://hooks.slack.test/T1"}

	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byChannel := map[notification.Channel]*notification.Notification{}
	for _, n := range records {
		byChannel[n.Channel] = n
	}

	sent := byChannel[notification.ChannelEmail]
	assert.Equal(t, notification.StatusSent, sent.Status)
	assert.Equal(t, "ops@example.com", sent.Address)
	assert.Equal(t, "prov-"+sent.ID, sent.ProviderMessageID)
	assert.NotNil(t, sent.SentAt)

	failed := byChannel[notification.ChannelSlack]
	assert.Equal(t, notification.StatusFailed, failed.Status)
	assert.Equal(t, "https://hooks.slack.test/T1", failed.Address)
	assert.Contains(t, failed.FailureReason, "channel_not_found")
	assert.Zero(t, failed.RetryCount)

	assert.Equal(t, 1, email.Calls())
	assert.Equal(t, 1, slack.Calls())
	assert.Empty(t, h.scheduler.Tasks())
}

func TestDispatch_RendersTemplatePerRecipient(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})
	h.addTemplate(t, &notification.Template{
		ID:           "welcome",
		Name:         "Welcome",
		TriggerEvent: notification.EventNewUserSignup,
		Channels:     []notification.Channel{notification.ChannelEmail},
		Email:        &notification.EmailTemplate{Subject: "{{greeting}}, {{name}}", Text: "Welcome to {{city}}"},
		Defaults:     map[string]any{"greeting": "Hello"},
		Priority:     notification.PriorityHigh,
		Active:       true,
	})

	records, err := h.dispatch.Dispatch(context.Background(), &notification.DispatchRequest{
		TriggerEvent: notification.EventNewUserSignup,
		TemplateID:   "welcome",
		Metadata:     notification.Metadata{City: "Lisbon"},
		Recipients: []notification.Recipient{
			{Address: "ana@example.com", Variables: map[string]any{"name": "Ana"}},
			{Address: "rui@example.com", Variables: map[string]any{"name": "Rui", "greeting": "Olá"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	subjects := map[string]string{}
	for _, n := range records {
		subjects[n.Address] = n.Content.Subject
		assert.Equal(t, "welcome", n.TemplateID)
		assert.Equal(t, notification.PriorityHigh, n.Priority)
		assert.Equal(t, "Welcome to Lisbon", n.Content.Body)
		assert.Equal(t, notification.StatusSent, n.Status)
	}
	assert.Equal(t, "Hello, Ana", subjects["ana@example.com"])
	assert.Equal(t, "Olá, Rui", subjects["rui@example.com"])
}

func TestDispatch_RenderFailureFailsOnlyThatRecord(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})
	h.addTemplate(t, &notification.Template{
		ID:           "t1",
		Name:         "Needs name",
		TriggerEvent: notification.EventCustom,
		Channels:     []notification.Channel{notification.ChannelEmail},
		Email:        &notification.EmailTemplate{Subject: "Hi {{name}}"},
		Active:       true,
	})

	records, err := h.dispatch.Dispatch(context.Background(), &notification.DispatchRequest{
		TriggerEvent: notification.EventCustom,
		TemplateID:   "t1",
		Recipients: []notification.Recipient{
			{Address: "a@example.com", Variables: map[string]any{"name": "A"}},
			{Address: "b@example.com"},
		},
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	byAddress := map[string]*notification.Notification{}
	for _, n := range records {
		byAddress[n.Address] = n
	}
	assert.Equal(t, notification.StatusSent, byAddress["a@example.com"].Status)

	failed := byAddress["b@example.com"]
	assert.Equal(t, notification.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "rendering template")
	assert.Contains(t, failed.FailureReason, "name")
	assert.Equal(t, "t1", failed.TemplateID)
	assert.Equal(t, notification.StatusFailed, h.get(t, failed.ID).Status)

	assert.Equal(t, 1, email.Calls())
	assert.Empty(t, h.scheduler.Tasks())
}

func TestDispatch_MissingAddressFailsOnlyThatChannel(t *testing.T) {
	inApp := newFakeSender(notification.ChannelInApp)
	sms := newFakeSender(notification.ChannelSMS)
	h := newHarness(t, []notification.Sender{inApp, sms})

	req := plainRequest("", notification.ChannelInApp, notification.ChannelSMS)
	req.Recipients = []notification.Recipient{{AdminID: "admin-1"}}
	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, n := range records {
		switch n.Channel {
		case notification.ChannelInApp:
			assert.Equal(t, notification.StatusSent, n.Status)
		case notification.ChannelSMS:
			assert.Equal(t, notification.StatusFailed, n.Status)
			assert.Equal(t, "recipient admin-1 has no SMS address", n.FailureReason)
			assert.Empty(t, n.Address)
		}
	}
	assert.Equal(t, 1, inApp.Calls())
	assert.Zero(t, sms.Calls())
}

// panicSender panics on every send.
type panicSender struct{ channel notification.Channel }

func (s panicSender) Channel() notification.Channel { return s.channel }

func (s panicSender) Send(context.Context, *notification.Delivery) (notification.SendResult, error) {
	panic("nil webhook client")
}

func TestDispatch_PanickingSenderDoesNotStopOtherChannels(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email, panicSender{channel: notification.ChannelSlack}})

	req := plainRequest("ops@example.com", notification.ChannelEmail, notification.ChannelSlack)
	req.Recipients[0].Addresses = map[notification.Channel]string{notification.ChannelSlack: "https://hooks.slack.test/T1"}

	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var slackID string
	for _, n := range records {
		switch n.Channel {
		case notification.ChannelEmail:
			assert.Equal(t, notification.StatusSent, n.Status)
		case notification.ChannelSlack:
			slackID = n.ID
			assert.Equal(t, notification.StatusPending, n.Status)
			assert.False(t, n.InFlight(), "claim released after the panic")
			assert.NotNil(t, n.NextAttemptAt)
		}
	}
	assert.Equal(t, 1, email.Calls())

	h.drain(t)
	slack := h.get(t, slackID)
	assert.Equal(t, notification.StatusFailed, slack.Status)
	assert.Equal(t, notification.ReasonRetriesExhausted, slack.FailureReason)
	assert.Equal(t, 3, slack.RetryCount)
}

func TestDispatch_ReturnsPersistedRecordsWithError(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	slack := newFakeSender(notification.ChannelSlack)
	h := newHarness(t, []notification.Sender{email, slack}, withStore(func(s notification.Store) notification.Store {
		return failCreate{Store: s, channel: notification.ChannelSlack}
	}))

	req := plainRequest("ops@example.com", notification.ChannelEmail, notification.ChannelSlack)
	req.Recipients[0].Addresses = map[notification.Channel]string{notification.ChannelSlack: "https://hooks.slack.test/T1"}

	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, records, 1)
	assert.Equal(t, notification.ChannelEmail, records[0].Channel)
	assert.Equal(t, notification.StatusSent, records[0].Status)
	assert.Zero(t, slack.Calls())
}

func TestDispatch_Validation(t *testing.T) {
	h := newHarness(t, nil)
	h.addTemplate(t, &notification.Template{
		ID:           "off",
		Name:         "Inactive",
		TriggerEvent: notification.EventCustom,
		Channels:     []notification.Channel{notification.ChannelEmail},
		Email:        &notification.EmailTemplate{Subject: "x"},
	})
	h.addTemplate(t, &notification.Template{
		ID:           "big-spend",
		Name:         "Big spend",
		TriggerEvent: notification.EventPaymentSucceeded,
		Channels:     []notification.Channel{notification.ChannelEmail},
		Email:        &notification.EmailTemplate{Subject: "x"},
		Conditions:   []notification.Condition{{Field: "amount", Operator: notification.OpGreaterThan, Value: 100}},
		Active:       true,
	})

	cases := map[string]*notification.DispatchRequest{
		"unknown event":       {TriggerEvent: "PARTY", Message: "m", Channels: []notification.Channel{notification.ChannelEmail}, Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"unknown channel":     {TriggerEvent: notification.EventCustom, Message: "m", Channels: []notification.Channel{"FAX"}, Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"duplicate channel":   {TriggerEvent: notification.EventCustom, Message: "m", Channels: []notification.Channel{notification.ChannelEmail, notification.ChannelEmail}, Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"no content":          {TriggerEvent: notification.EventCustom, Channels: []notification.Channel{notification.ChannelEmail}, Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"no recipients":       {TriggerEvent: notification.EventCustom, Message: "m", Channels: []notification.Channel{notification.ChannelEmail}},
		"no channels":         {TriggerEvent: notification.EventCustom, Message: "m", Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"retry budget":        {TriggerEvent: notification.EventCustom, Message: "m", Channels: []notification.Channel{notification.ChannelEmail}, Recipients: []notification.Recipient{{Address: "a@x.io"}}, MaxRetries: intPtr(11)},
		"duplicate recipient": {TriggerEvent: notification.EventCustom, Message: "m", Channels: []notification.Channel{notification.ChannelEmail}, Recipients: []notification.Recipient{{Address: "a@x.io"}, {Address: "a@x.io"}}},
		"inactive template":   {TriggerEvent: notification.EventCustom, TemplateID: "off", Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"conditions not met":  {TriggerEvent: notification.EventPaymentSucceeded, TemplateID: "big-spend", Recipients: []notification.Recipient{{Address: "a@x.io", Variables: map[string]any{"amount": 20}}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.dispatch.Dispatch(context.Background(), req)
			var validation *common.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}

	_, err := h.dispatch.Dispatch(context.Background(), &notification.DispatchRequest{
		TriggerEvent: notification.EventCustom,
		TemplateID:   "ghost",
		Recipients:   []notification.Recipient{{Address: "a@x.io"}},
	})
	var notFound *common.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDispatch_InAppFallsBackToAdminID(t *testing.T) {
	inApp := newFakeSender(notification.ChannelInApp)
	h := newHarness(t, []notification.Sender{inApp})

	req := plainRequest("", notification.ChannelInApp)
	req.Recipients = []notification.Recipient{{AdminID: "admin-7"}}
	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "admin-7", records[0].Address)
	assert.Equal(t, notification.StatusSent, records[0].Status)
}

func TestDispatch_NoSenderFailsRecord(t *testing.T) {
	h := newHarness(t, nil)

	records, err := h.dispatch.Dispatch(context.Background(), plainRequest("+14155550100", notification.ChannelSMS))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusFailed, records[0].Status)
	assert.Equal(t, "no sender registered for channel SMS", records[0].FailureReason)
}

func TestDispatch_Idempotent(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})

	req := plainRequest("a@example.com", notification.ChannelEmail)
	req.IdempotencyKey = "order-42"
	first, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 1, email.Calls())
}

func TestDispatch_ConcurrentSameIdempotencyKey(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := plainRequest("a@example.com", notification.ChannelEmail)
			req.IdempotencyKey = "order-42"
			records, err := h.dispatch.Dispatch(context.Background(), req)
			if assert.NoError(t, err) && assert.Len(t, records, 1) {
				ids[i] = records[0].ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, email.Calls())

	_, total, err := h.store.List(context.Background(), notification.ListFilter{IdempotencyKey: "order-42"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDispatch_RecipientRateLimit(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email}, withLimiter(denyLimiter{deny: "spam@example.com"}))

	_, err := h.dispatch.Dispatch(context.Background(), plainRequest("spam@example.com", notification.ChannelEmail))
	var validation *common.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Zero(t, email.Calls())

	records, err := h.dispatch.Dispatch(context.Background(), plainRequest("ok@example.com", notification.ChannelEmail))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDispatch_ScheduledIsDeferred(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})

	at := testNow.Add(2 * time.Hour)
	req := plainRequest("a@example.com", notification.ChannelEmail)
	req.ScheduledAt = &at
	req.Priority = notification.PriorityUrgent

	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, records, 1)
	n := records[0]
	assert.Equal(t, notification.StatusPending, n.Status)
	assert.Equal(t, at, *n.ScheduledAt)
	assert.Zero(t, email.Calls())

	tasks := h.scheduler.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, n.ID, tasks[0].payload.NotificationID)
	assert.False(t, tasks[0].payload.Retry)
	assert.Equal(t, at, tasks[0].at)
	assert.Equal(t, notification.PriorityUrgent, tasks[0].priority)

	h.drain(t)
	assert.Equal(t, notification.StatusSent, h.get(t, n.ID).Status)
	assert.Equal(t, 1, email.Calls())
}

func TestDispatch_TemplateFrequencyDefersToNextWindow(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})
	h.addTemplate(t, &notification.Template{
		ID:           "digest",
		Name:         "Digest",
		TriggerEvent: notification.EventCustom,
		Channels:     []notification.Channel{notification.ChannelEmail},
		Email:        &notification.EmailTemplate{Subject: "Digest"},
		Frequency:    notification.FrequencyHourly,
		Active:       true,
	})

	records, err := h.dispatch.Dispatch(context.Background(), &notification.DispatchRequest{
		TriggerEvent: notification.EventCustom,
		TemplateID:   "digest",
		Recipients:   []notification.Recipient{{Address: "a@example.com"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, notification.StatusPending, records[0].Status)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), *records[0].NextAttemptAt)
	assert.Zero(t, email.Calls())
}
