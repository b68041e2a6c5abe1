package router_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"herald/internal/app"
	"herald/internal/config"
	"herald/internal/domain/analytics"
	"herald/internal/domain/notification"
	"herald/internal/infra/inapp"
	"herald/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "test-key"

func newSandboxRouter(t *testing.T) *gin.Engine {
	t.Helper()
	templatesDir, err := filepath.Abs("../../templates")
	require.NoError(t, err)

	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Mode = gin.TestMode
	cfg.Dispatch.Mode = config.ModeSandbox
	cfg.Dispatch.TemplatesDir = templatesDir
	cfg.Auth.APIKeys = []string{apiKey}

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Local, "sandbox mode runs attempts in process")

	return router.New(cfg, a.Metrics, router.Handlers{
		Notification: notification.NewHandler(a.Service),
		Analytics:    analytics.NewHandler(a.Analytics),
		InApp:        inapp.NewHandler(a.Hub, nil),
	})
}

func call(r http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	r := newSandboxRouter(t)

	w := call(r, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"sandbox"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_SendRequiresAPIKey(t *testing.T) {
	r := newSandboxRouter(t)
	body := `{"triggerEvent":"CUSTOM","channels":["EMAIL","SMS"],"message":"hi","recipients":[{"address":"ana@example.com","addresses":{"SMS":"+14155550100"}}]}`

	w := call(r, http.MethodPost, "/api/v1/notifications", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(r, http.MethodPost, "/api/v1/notifications", body, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data []notification.Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	for _, n := range resp.Data {
		assert.Equal(t, notification.StatusSent, n.Status)
		assert.True(t, strings.HasPrefix(n.ProviderMessageID, "sandbox-"))
	}

	w = call(r, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "herald_notifications_created_total")
}

func TestRouter_SeededTemplates(t *testing.T) {
	r := newSandboxRouter(t)

	w := call(r, http.MethodGet, "/api/v1/templates", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []notification.Template `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var ids []string
	for _, tmpl := range resp.Data {
		ids = append(ids, tmpl.ID)
	}
	assert.ElementsMatch(t, []string{"welcome", "date-reminder", "payment-failed", "security-alert"}, ids)
}

func TestRouter_NotFound(t *testing.T) {
	r := newSandboxRouter(t)

	w := call(r, http.MethodGet, "/nowhere", "", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}
