package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"herald/internal/common"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		common.Success(c, http.StatusOK, "pong", nil)
	})
	return r
}

func do(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, common.APIResponse) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body common.APIResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestAuth(t *testing.T) {
	r := newEngine(Auth([]string{"secret"}))

	t.Run("missing key", func(t *testing.T) {
		w, body := do(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		require.NotNil(t, body.Error)
		assert.Equal(t, common.CodeUnauthorized, body.Error.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-API-Key", "nope")
		w, _ := do(r, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("header key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-API-Key", "secret")
		w, body := do(r, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, body.Success)
	})

	t.Run("query key", func(t *testing.T) {
		w, _ := do(r, httptest.NewRequest(http.MethodGet, "/ping?api_key=secret", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAuth_NoKeysConfigured(t *testing.T) {
	w, _ := do(newEngine(Auth(nil)), httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID(t *testing.T) {
	r := newEngine()

	w, body := do(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	generated := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, body.Metadata.RequestID)
	assert.False(t, body.Metadata.Timestamp.IsZero())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w, body = do(r, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", body.Metadata.RequestID)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	r := newEngine(rl.Middleware())

	for i := 0; i < 2; i++ {
		w, _ := do(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w, body := do(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	require.NotNil(t, body.Error)
	assert.Equal(t, common.CodeRateLimited, body.Error.Code)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	w, _ = do(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	r := newEngine(NewRateLimiter(0, 0).Middleware())
	for i := 0; i < 5; i++ {
		w, _ := do(r, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORS_Wildcard(t *testing.T) {
	r := newEngine(CORS([]string{"*"}, []string{"GET"}, []string{"X-API-Key"}))
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w, _ := do(r, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
