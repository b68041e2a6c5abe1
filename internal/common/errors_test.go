package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPermanentSendFailure(t *testing.T) {
	assert.True(t, IsPermanentSendFailure(NewPermanentSendError("EMAIL", "bad address", nil)))
	assert.True(t, IsPermanentSendFailure(fmt.Errorf("wrapped: %w", NewPermanentSendError("SMS", "opted out", nil))))
	assert.False(t, IsPermanentSendFailure(NewTransientSendError("SMS", "throttled", nil)))
	assert.False(t, IsPermanentSendFailure(errors.New("connection reset")))
}

func TestSendError_Unwrap(t *testing.T) {
	root := errors.New("dial tcp: timeout")
	err := NewTransientSendError("WEBHOOK", "", root)
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "dial tcp: timeout")
	assert.Contains(t, err.Error(), "transient")
}

func TestNewHTTPSendError(t *testing.T) {
	for _, status := range []int{408, 429, 500, 503} {
		assert.Equal(t, SendTransient, NewHTTPSendError("EMAIL", status, "").Kind, "status %d", status)
	}
	for _, status := range []int{400, 401, 404, 422} {
		assert.Equal(t, SendPermanent, NewHTTPSendError("EMAIL", status, "").Kind, "status %d", status)
	}
	assert.Contains(t, NewHTTPSendError("SLACK", 404, "").Error(), "status 404")
}

func TestHandleError_MapsCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", NewNotFoundError("notification", "n1"), http.StatusNotFound, CodeNotFound},
		{"validation", NewValidationError("bad"), http.StatusBadRequest, CodeValidation},
		{"missing vars", fmt.Errorf("render: %w", NewMissingVariablesError([]string{"a"})), http.StatusUnprocessableEntity, CodeMissingVariable},
		{"template missing", NewTemplateMissingForChannelError("t1", "SMS"), http.StatusUnprocessableEntity, CodeTemplateMissing},
		{"transition", NewInvalidTransitionError("FAILED", "SENT"), http.StatusConflict, CodeInvalidTransition},
		{"exhausted", NewRetriesExhaustedError("n1", 3), http.StatusConflict, CodeRetriesExhausted},
		{"conflict", NewConflictError("notification", "n1"), http.StatusConflict, CodeConflict},
		{"permanent send", NewPermanentSendError("EMAIL", "x", nil), http.StatusBadGateway, CodePermanentSend},
		{"provider", fmt.Errorf("archiving records: %w", NewProviderError("s3", "access denied")), http.StatusBadGateway, CodeProvider},
		{"internal", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Set(RequestIDKey, "req-1")

			HandleError(c, tc.err)

			assert.Equal(t, tc.status, w.Code)
			var resp APIResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
			assert.Equal(t, "req-1", resp.Metadata.RequestID)
		})
	}
}

func TestHandleErrorWithData_KeepsPartialResult(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	HandleErrorWithData(c, errors.New("insert failed"), []string{"n-1"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp struct {
		Success bool            `json:"success"`
		Data    []string        `json:"data"`
		Error   *APIError       `json:"error"`
		Meta    json.RawMessage `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"n-1"}, resp.Data)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternal, resp.Error.Code)
}
