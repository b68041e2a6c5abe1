package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_SignsJSONPayload(t *testing.T) {
	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender("s3cret")
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	_, err := s.Send(context.Background(), &notification.Delivery{
		NotificationID: "n-1",
		TriggerEvent:   notification.EventPaymentSucceeded,
		Address:        srv.URL + "/hooks",
		Content:        notification.Content{Body: `{"amount": 42}`},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount": 42}`, string(body))
	assert.Equal(t, "1700000000", header.Get(HeaderTimestamp))
	assert.Equal(t, "sha256="+Sign([]byte("s3cret"), "1700000000", body), header.Get(HeaderSignature))
	assert.Equal(t, "PAYMENT_SUCCEEDED", header.Get(HeaderEvent))
}

func TestSender_WrapsPlainText(t *testing.T) {
	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Empty(t, r.Header.Get(HeaderSignature))
	}))
	defer srv.Close()

	_, err := NewSender("").Send(context.Background(), &notification.Delivery{
		NotificationID: "n-2",
		Address:        srv.URL,
		Content:        notification.Content{Subject: "Heads up", Body: "plain words"},
	})
	require.NoError(t, err)
	assert.Equal(t, "n-2", got.NotificationID)
	assert.Equal(t, "plain words", got.Message)
	assert.Equal(t, "Heads up", got.Title)
}

func TestSender_Failures(t *testing.T) {
	_, err := NewSender("").Send(context.Background(), &notification.Delivery{Address: "not a url"})
	assert.True(t, common.IsPermanentSendFailure(err))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err = NewSender("").Send(context.Background(), &notification.Delivery{Address: srv.URL})
	require.Error(t, err)
	assert.False(t, common.IsPermanentSendFailure(err))
}
