package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"herald/internal/domain/notification"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorder(t *testing.T) {
	m := New()

	m.NotificationCreated(notification.ChannelEmail, notification.EventSecurityAlert)
	m.AttemptFinished(notification.ChannelEmail, notification.OutcomeSent, 120*time.Millisecond)
	m.AttemptFinished(notification.ChannelEmail, notification.OutcomeTransient, time.Second)
	m.RetryScheduled(notification.ChannelEmail, 10*time.Second)
	m.RetriesExhausted(notification.ChannelSMS)
	m.Transitioned(notification.ChannelEmail, notification.StatusSent)
	m.BatchCompleted(7, 3)
	m.Recovered(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsCreated.WithLabelValues("EMAIL", "SECURITY_ALERT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("EMAIL", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("EMAIL", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesScheduled.WithLabelValues("EMAIL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetriesExhaustedTotal.WithLabelValues("SMS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("EMAIL", "SENT")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BatchRecipients.WithLabelValues("successful")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BatchRecipients.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReaperRecovered))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/notifications/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications/abc", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/notifications/:id", "204")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "herald_http_requests_total")
}
