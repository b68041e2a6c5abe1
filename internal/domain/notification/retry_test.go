package notification_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTimeout = errors.New("dial tcp: i/o timeout")

func TestRetry_ExhaustsBudget(t *testing.T) {
	email := failing(notification.ChannelEmail, errTimeout, errTimeout, errTimeout, errTimeout)
	h := newHarness(t, []notification.Sender{email})

	records, err := h.dispatch.Dispatch(context.Background(), plainRequest("a@example.com", notification.ChannelEmail))
	require.NoError(t, err)
	require.Len(t, records, 1)
	id := records[0].ID

	first := h.get(t, id)
	assert.Equal(t, notification.StatusPending, first.Status)
	assert.False(t, first.InFlight())
	require.NotNil(t, first.NextAttemptAt)
	assert.Equal(t, testNow.Add(30*time.Second), *first.NextAttemptAt)

	tasks := h.scheduler.Tasks()
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].payload.Retry)

	h.drain(t)

	n := h.get(t, id)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, 3, n.RetryCount)
	assert.Equal(t, notification.ReasonRetriesExhausted, n.FailureReason)
	assert.Nil(t, n.NextAttemptAt)
	assert.Equal(t, 4, email.Calls())
}

func TestRetry_SucceedsWithinBudget(t *testing.T) {
	email := failing(notification.ChannelEmail, errTimeout, common.NewHTTPSendError("EMAIL", 503, ""))
	h := newHarness(t, []notification.Sender{email})

	records, err := h.dispatch.Dispatch(context.Background(), plainRequest("a@example.com", notification.ChannelEmail))
	require.NoError(t, err)
	h.drain(t)

	n := h.get(t, records[0].ID)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 2, n.RetryCount)
	assert.Equal(t, 3, email.Calls())
}

func TestRetry_ZeroBudgetFailsAfterFirstAttempt(t *testing.T) {
	email := failing(notification.ChannelEmail, errTimeout)
	h := newHarness(t, []notification.Sender{email})

	req := plainRequest("a@example.com", notification.ChannelEmail)
	req.MaxRetries = intPtr(0)
	records, err := h.dispatch.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, notification.StatusFailed, records[0].Status)
	assert.Equal(t, notification.ReasonRetriesExhausted, records[0].FailureReason)
	assert.Empty(t, h.scheduler.Tasks())

	_, err = h.service.Retry(context.Background(), records[0].ID)
	var exhausted *common.RetriesExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, notification.StatusFailed, h.get(t, records[0].ID).Status)
}

func TestRetryNow(t *testing.T) {
	email := failing(notification.ChannelEmail, common.NewPermanentSendError("EMAIL", "domain suspended", nil))
	h := newHarness(t, []notification.Sender{email})

	records, err := h.dispatch.Dispatch(context.Background(), plainRequest("a@example.com", notification.ChannelEmail))
	require.NoError(t, err)
	require.Equal(t, notification.StatusFailed, records[0].Status)

	n, err := h.service.Retry(context.Background(), records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 1, n.RetryCount)
	assert.Empty(t, n.FailureReason)

	_, err = h.service.Retry(context.Background(), n.ID)
	var transition *common.InvalidTransitionError
	assert.ErrorAs(t, err, &transition, "a SENT record cannot be retried")
}

func TestRetryNow_RejectsInFlight(t *testing.T) {
	h := newHarness(t, []notification.Sender{newFakeSender(notification.ChannelEmail)})
	started := testNow.Add(-time.Second)
	n := h.put(t, &notification.Notification{ID: "busy", Status: notification.StatusPending, MaxRetries: 3, AttemptStartedAt: &started})

	_, err := h.service.Retry(context.Background(), n.ID)
	var validation *common.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestWorker_SkipsClaimedAndSettledRecords(t *testing.T) {
	email := newFakeSender(notification.ChannelEmail)
	h := newHarness(t, []notification.Sender{email})
	started := testNow.Add(-time.Second)
	h.put(t, &notification.Notification{ID: "claimed", Status: notification.StatusPending, MaxRetries: 3, AttemptStartedAt: &started})
	h.put(t, &notification.Notification{ID: "done", Status: notification.StatusSent, MaxRetries: 3})

	ctx := context.Background()
	require.NoError(t, h.worker.ProcessTask(ctx, notification.AttemptPayload{NotificationID: "claimed"}))
	require.NoError(t, h.worker.ProcessTask(ctx, notification.AttemptPayload{NotificationID: "done", Retry: true}))
	require.NoError(t, h.worker.ProcessTask(ctx, notification.AttemptPayload{NotificationID: "vanished"}))

	assert.Zero(t, email.Calls())
	assert.Zero(t, h.get(t, "done").RetryCount)
}

func TestBackoff_MonotonicAndBounded(t *testing.T) {
	b := notification.DefaultBackoff()
	rng := rand.New(rand.NewPCG(1, 2))
	b.Jitter = rng.Float64

	for _, p := range []notification.Priority{notification.PriorityLow, notification.PriorityNormal, notification.PriorityHigh, notification.PriorityUrgent, notification.PriorityCritical} {
		prev := time.Duration(0)
		for n := 0; n < 40; n++ {
			d := b.Delay(n, p)
			assert.GreaterOrEqual(t, d, prev, "%s retry %d", p, n)
			assert.LessOrEqual(t, d, b.Ceiling, "%s retry %d", p, n)
			prev = d
		}
		assert.Equal(t, b.Ceiling, prev)
	}
}

func TestBackoff_PriorityOrdering(t *testing.T) {
	b := notification.DefaultBackoff()
	b.Jitter = func() float64 { return 0 }

	assert.Equal(t, 5*time.Second, b.Delay(0, notification.PriorityCritical))
	assert.Equal(t, 60*time.Second, b.Delay(0, notification.PriorityLow))
	assert.Equal(t, 60*time.Second, b.Delay(1, notification.PriorityNormal))
	assert.Less(t, b.Delay(2, notification.PriorityUrgent), b.Delay(2, notification.PriorityHigh))

	b.Jitter = func() float64 { return 1 }
	assert.Equal(t, 45*time.Second, b.Delay(0, notification.PriorityNormal))
}
