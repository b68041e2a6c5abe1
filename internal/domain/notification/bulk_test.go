package notification_test

import (
	"context"
	"fmt"
	"testing"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bulkTemplate() *notification.Template {
	return &notification.Template{
		ID:           "renewal",
		Name:         "Renewal",
		TriggerEvent: notification.EventSubscriptionRenewed,
		Channels:     []notification.Channel{notification.ChannelEmail},
		Email:        &notification.EmailTemplate{Subject: "Thanks {{name}}", Text: "Renewed"},
		Defaults:     map[string]any{"name": "there"},
		Active:       true,
	}
}

func TestSendBulk_CountsEveryRecipient(t *testing.T) {
	email := &fakeSender{channel: notification.ChannelEmail, plan: func(_ int, d *notification.Delivery) error {
		if d.Address == "bounce@example.com" {
			return common.NewHTTPSendError("EMAIL", 422, "invalid recipient")
		}
		return nil
	}}
	h := newHarness(t, []notification.Sender{email}, withUnitCosts(map[notification.Channel]float64{notification.ChannelEmail: 0.25}))
	h.addTemplate(t, bulkTemplate())

	resp, err := h.service.SendBulk(context.Background(), &notification.BulkRequest{
		TemplateID: "renewal",
		Recipients: []notification.Recipient{
			{Address: "ana@example.com", Variables: map[string]any{"name": "Ana"}},
			{Address: "bounce@example.com"},
			{AdminID: "admin-without-email"},
			{Address: "rui@example.com"},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, 4, resp.TotalRequested)
	assert.Equal(t, 2, resp.Successful)
	assert.Equal(t, 2, resp.Failed)
	assert.Equal(t, resp.TotalRequested, resp.Successful+resp.Failed)
	assert.InDelta(t, 0.5, resp.EstimatedCost, 1e-9)

	require.Len(t, resp.Results, 4)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, "ana@example.com", resp.Results[0].Recipient)
	assert.False(t, resp.Results[1].Success)
	assert.Contains(t, resp.Results[1].Error, "invalid recipient")
	assert.Len(t, resp.Results[1].NotificationIDs, 1)
	assert.False(t, resp.Results[2].Success)
	assert.Contains(t, resp.Results[2].Error, "has no EMAIL address")
	assert.Len(t, resp.Results[2].NotificationIDs, 1)
	assert.True(t, resp.Results[3].Success)

	batch, total, err := h.store.List(context.Background(), notification.ListFilter{BatchID: resp.BatchID})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	for _, n := range batch {
		assert.Equal(t, notification.EventSubscriptionRenewed, n.TriggerEvent)
	}
}

func TestSendBulk_Validation(t *testing.T) {
	h := newHarness(t, nil)
	h.addTemplate(t, bulkTemplate())

	tooMany := make([]notification.Recipient, 11)
	for i := range tooMany {
		tooMany[i] = notification.Recipient{Address: fmt.Sprintf("r%d@example.com", i)}
	}

	for name, req := range map[string]*notification.BulkRequest{
		"no template":   {Recipients: []notification.Recipient{{Address: "a@x.io"}}},
		"no recipients": {TemplateID: "renewal"},
		"over limit":    {TemplateID: "renewal", Recipients: tooMany},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.service.SendBulk(context.Background(), req)
			var validation *common.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

func TestRetryBulk(t *testing.T) {
	attempts := map[string]int{}
	email := &fakeSender{channel: notification.ChannelEmail, plan: func(_ int, d *notification.Delivery) error {
		attempts[d.Address]++
		if d.Address == "flaky@example.com" && attempts[d.Address] == 1 {
			return common.NewPermanentSendError("EMAIL", "mailbox locked", nil)
		}
		return nil
	}}
	h := newHarness(t, []notification.Sender{email})
	h.addTemplate(t, bulkTemplate())

	resp, err := h.service.SendBulk(context.Background(), &notification.BulkRequest{
		TemplateID: "renewal",
		Recipients: []notification.Recipient{{Address: "ok@example.com"}, {Address: "flaky@example.com"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Failed)

	retried, err := h.service.RetryBulk(context.Background(), resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Retried)
	assert.Equal(t, 1, retried.Succeeded)
	assert.Zero(t, retried.Failed)
	require.Len(t, retried.Results, 1)
	assert.Equal(t, notification.StatusSent, retried.Results[0].Status)

	n := h.get(t, retried.Results[0].NotificationID)
	assert.Equal(t, "flaky@example.com", n.Address)
	assert.Equal(t, 1, n.RetryCount)

	again, err := h.service.RetryBulk(context.Background(), resp.BatchID)
	require.NoError(t, err)
	assert.Zero(t, again.Retried)

	_, err = h.service.RetryBulk(context.Background(), "no-such-batch")
	var notFound *common.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
