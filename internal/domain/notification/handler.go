package notification

import (
	"errors"
	"log/slog"
	"net/http"

	"herald/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests for the notification domain.
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Send handles POST /api/v1/notifications
func (h *Handler) Send(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	records, err := h.service.Send(c.Request.Context(), &req)
	if err != nil {
		slog.Error("dispatch failed",
			"error", err,
			"event", req.TriggerEvent,
			"template_id", req.TemplateID,
			"channels", req.Channels,
			"persisted", len(records),
		)
		if len(records) > 0 {
			common.HandleErrorWithData(c, err, records)
			return
		}
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusCreated, "notification dispatched", records)
}

// GetNotification handles GET /api/v1/notifications/:id
func (h *Handler) GetNotification(c *gin.Context) {
	n, err := h.service.GetNotification(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "notification retrieved", n)
}

// ListNotifications handles GET /api/v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	var filter ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid query parameters: "+err.Error())
		return
	}

	resp, err := h.service.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "notifications retrieved", resp)
}

// UpdateStatus handles PATCH /api/v1/notifications/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	n, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, req.Reason)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "status updated", n)
}

// DeleteNotification handles DELETE /api/v1/notifications/:id
func (h *Handler) DeleteNotification(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteNotification(c.Request.Context(), id); err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "notification deleted", gin.H{"id": id})
}

// Retry handles POST /api/v1/notifications/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	n, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "retry attempted", n)
}

// Cancel handles POST /api/v1/notifications/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	n, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "notification cancelled", n)
}

// SendBulk handles POST /api/v1/notifications/bulk
func (h *Handler) SendBulk(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.service.SendBulk(c.Request.Context(), &req)
	if err != nil {
		slog.Error("bulk send failed", "error", err, "template_id", req.TemplateID, "recipients", len(req.Recipients))
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusAccepted, "batch processed", resp)
}

// RetryBulk handles POST /api/v1/notifications/bulk/:batchId/retry
func (h *Handler) RetryBulk(c *gin.Context) {
	resp, err := h.service.RetryBulk(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "batch retried", resp)
}

// CreateTemplate handles POST /api/v1/templates
func (h *Handler) CreateTemplate(c *gin.Context) {
	var t Template
	if err := c.ShouldBindJSON(&t); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	created, err := h.service.CreateTemplate(c.Request.Context(), &t)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusCreated, "template created", created)
}

// GetTemplate handles GET /api/v1/templates/:id
func (h *Handler) GetTemplate(c *gin.Context) {
	t, err := h.service.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "template retrieved", t)
}

// ListTemplates handles GET /api/v1/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	list, err := h.service.ListTemplates(c.Request.Context())
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "templates retrieved", list)
}

// UpdateTemplate handles PUT /api/v1/templates/:id
func (h *Handler) UpdateTemplate(c *gin.Context) {
	var t Template
	if err := c.ShouldBindJSON(&t); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	updated, err := h.service.UpdateTemplate(c.Request.Context(), c.Param("id"), &t)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "template updated", updated)
}

// DeleteTemplate handles DELETE /api/v1/templates/:id
func (h *Handler) DeleteTemplate(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteTemplate(c.Request.Context(), id); err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "template deleted", gin.H{"id": id})
}

// ResendWebhook handles POST /api/v1/webhooks/resend
// Receives delivery status updates from Resend webhooks.
func (h *Handler) ResendWebhook(c *gin.Context) {
	var event struct {
		Type string `json:"type"`
		Data struct {
			EmailID string `json:"email_id"`
			Bounce  struct {
				Message string `json:"message"`
			} `json:"bounce"`
		} `json:"data"`
	}

	if err := c.ShouldBindJSON(&event); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid webhook payload: "+err.Error())
		return
	}

	// Map Resend event types to our notification statuses
	var status Status
	reason := ""
	switch event.Type {
	case "email.delivered":
		status = StatusDelivered
	case "email.bounced":
		status = StatusBounced
		reason = event.Data.Bounce.Message
		if reason == "" {
			reason = "bounced by recipient server"
		}
	case "email.opened":
		status = StatusOpened
	case "email.clicked":
		status = StatusClicked
	case "email.complained":
		status = StatusUnsubscribed
	default:
		// Acknowledge but ignore unhandled event types
		slog.Info("ignoring webhook event", "type", event.Type)
		common.Success(c, http.StatusOK, "event ignored", gin.H{"status": "ignored"})
		return
	}

	_, err := h.service.HandleProviderEvent(c.Request.Context(), event.Data.EmailID, status, reason)
	var transition *common.InvalidTransitionError
	if errors.As(err, &transition) {
		// Late or duplicate receipts are acknowledged so the provider stops resending them.
		slog.Info("stale webhook event", "type", event.Type, "email_id", event.Data.EmailID, "error", err)
		common.Success(c, http.StatusOK, "event ignored", gin.H{"status": "stale"})
		return
	}
	if err != nil {
		slog.Error("webhook processing failed",
			"event_type", event.Type,
			"email_id", event.Data.EmailID,
			"error", err,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "event processed", gin.H{"status": "processed"})
}

// RegisterRoutes registers notification and template routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	n := rg.Group("/notifications")
	n.POST("", h.Send)
	n.GET("", h.ListNotifications)
	n.POST("/bulk", h.SendBulk)
	n.POST("/bulk/:batchId/retry", h.RetryBulk)
	n.GET("/:id", h.GetNotification)
	n.PATCH("/:id/status", h.UpdateStatus)
	n.DELETE("/:id", h.DeleteNotification)
	n.POST("/:id/retry", h.Retry)
	n.POST("/:id/cancel", h.Cancel)

	t := rg.Group("/templates")
	t.POST("", h.CreateTemplate)
	t.GET("", h.ListTemplates)
	t.GET("/:id", h.GetTemplate)
	t.PUT("/:id", h.UpdateTemplate)
	t.DELETE("/:id", h.DeleteTemplate)

	rg.POST("/webhooks/resend", h.ResendWebhook)
}
