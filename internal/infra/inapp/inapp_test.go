package inapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SendOnlyReachesTargetAdmin(t *testing.T) {
	h := NewHub()
	target := &Client{adminID: "a1", send: make(chan []byte, 1)}
	other := &Client{adminID: "a2", send: make(chan []byte, 1)}
	h.Register(target)
	h.Register(other)

	assert.Equal(t, 1, h.Send("a1", []byte("hi")))
	assert.Equal(t, "hi", string(<-target.send))
	select {
	case <-other.send:
		t.Fatal("other admin should not receive the message")
	default:
	}
	assert.Equal(t, 0, h.Send("nobody", []byte("hi")))
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := NewHub()
	slow := &Client{adminID: "a1", send: make(chan []byte, 1)}
	h.Register(slow)

	assert.Equal(t, 1, h.Send("a1", []byte("one")))
	assert.Equal(t, 0, h.Send("a1", []byte("two")))
	assert.Equal(t, 0, h.Connections("a1"))
}

func TestSubscribe_EndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	defer hub.Close()

	r := gin.New()
	NewHandler(hub, nil).RegisterRoutes(&r.RouterGroup)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/in-app?adminId=admin-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connections("admin-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := NewSender(hub).Send(context.Background(), &notification.Delivery{
		NotificationID: "n-1",
		AdminID:        "admin-1",
		Content:        notification.Content{Subject: "Date confirmed", Body: "See you at 8"},
	})
	require.NoError(t, err)
	assert.Equal(t, "inapp:n-1", res.ProviderMessageID)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "n-1", msg.ID)
	assert.Equal(t, "Date confirmed", msg.Title)
}

func TestSubscribe_RequiresAdminID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewHub(), nil).RegisterRoutes(&r.RouterGroup)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/in-app", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSender_OfflineRecipientStillSent(t *testing.T) {
	_, err := NewSender(NewHub()).Send(context.Background(), &notification.Delivery{NotificationID: "n-1", AdminID: "ghost"})
	assert.NoError(t, err)

	_, err = NewSender(NewHub()).Send(context.Background(), &notification.Delivery{NotificationID: "n-1"})
	assert.True(t, common.IsPermanentSendFailure(err))
}
