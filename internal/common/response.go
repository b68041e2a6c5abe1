package common

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Context keys set by the request middleware.
const (
	RequestIDKey    = "requestID"
	RequestStartKey = "requestStart"
)

// APIResponse is the standardized JSON response envelope.
type APIResponse struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	Data     any          `json:"data,omitempty"`
	Error    *APIError    `json:"error,omitempty"`
	Metadata ResponseMeta `json:"metadata"`
}

// APIError contains error details in the response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta describes the request that produced the response.
type ResponseMeta struct {
	RequestID        string    `json:"requestId"`
	Timestamp        time.Time `json:"timestamp"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
}

// Error codes exposed to API callers.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeTemplateMissing   = "TEMPLATE_MISSING_FOR_CHANNEL"
	CodeMissingVariable   = "MISSING_REQUIRED_VARIABLE"
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeTransientSend     = "TRANSIENT_SEND_FAILURE"
	CodePermanentSend     = "PERMANENT_SEND_FAILURE"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeConflict          = "CONCURRENT_UPDATE_CONFLICT"
	CodeProvider          = "PROVIDER_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

func meta(c *gin.Context) ResponseMeta {
	now := time.Now().UTC()
	m := ResponseMeta{Timestamp: now, RequestID: c.GetString(RequestIDKey)}
	if start, ok := c.Get(RequestStartKey); ok {
		if t, ok := start.(time.Time); ok {
			m.ProcessingTimeMs = now.Sub(t).Milliseconds()
		}
	}
	return m
}

// Success sends a successful JSON response with data.
func Success(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, APIResponse{
		Success:  true,
		Message:  message,
		Data:     data,
		Metadata: meta(c),
	})
}

// Error sends an error JSON response.
func Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Message: message,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Metadata: meta(c),
	})
}

// HandleError inspects a domain error and sends the appropriate HTTP response.
// Uses errors.As to traverse the full error chain, supporting wrapped errors.
func HandleError(c *gin.Context, err error) {
	HandleErrorWithData(c, err, nil)
}

// HandleErrorWithData is HandleError for operations that completed part of
// their work: data carries what was done before err.
func HandleErrorWithData(c *gin.Context, err error, data any) {
	status, code, message := classify(err)
	c.JSON(status, APIResponse{
		Success: false,
		Message: message,
		Data:    data,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Metadata: meta(c),
	})
}

func classify(err error) (int, string, string) {
	var (
		notFound     *NotFoundError
		validation   *ValidationError
		unauthorized *UnauthorizedError
		missingTmpl  *TemplateMissingForChannelError
		missingVars  *MissingVariablesError
		transition   *InvalidTransitionError
		exhausted    *RetriesExhaustedError
		conflict     *ConflictError
		send         *SendError
		provider     *ProviderError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, CodeNotFound, notFound.Error()
	case errors.As(err, &validation):
		return http.StatusBadRequest, CodeValidation, validation.Error()
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized, CodeUnauthorized, unauthorized.Error()
	case errors.As(err, &missingTmpl):
		return http.StatusUnprocessableEntity, CodeTemplateMissing, missingTmpl.Error()
	case errors.As(err, &missingVars):
		return http.StatusUnprocessableEntity, CodeMissingVariable, missingVars.Error()
	case errors.As(err, &transition):
		return http.StatusConflict, CodeInvalidTransition, transition.Error()
	case errors.As(err, &exhausted):
		return http.StatusConflict, CodeRetriesExhausted, exhausted.Error()
	case errors.As(err, &conflict):
		return http.StatusConflict, CodeConflict, conflict.Error()
	case errors.As(err, &send):
		code := CodeTransientSend
		if send.Kind == SendPermanent {
			code = CodePermanentSend
		}
		return http.StatusBadGateway, code, send.Error()
	case errors.As(err, &provider):
		return http.StatusBadGateway, CodeProvider, "notification provider unavailable"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal server error"
	}
}
