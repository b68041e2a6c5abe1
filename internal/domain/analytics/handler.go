package analytics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests for delivery analytics.
type Handler struct {
	service *Service
}

// NewHandler creates a new analytics handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type summaryQuery struct {
	From     string   `form:"from"`
	To       string   `form:"to"`
	Channels []string `form:"channel"`
	Events   []string `form:"trigger_event"`
	Bucket   string   `form:"bucket"`
}

// Summary handles GET /api/v1/analytics/summary
// Query: from, to (RFC 3339 or YYYY-MM-DD), channel, trigger_event (repeatable), bucket (hour|day|week).
func (h *Handler) Summary(c *gin.Context) {
	var q summaryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		common.Error(c, http.StatusBadRequest, common.CodeValidation, "invalid query parameters: "+err.Error())
		return
	}

	f, err := q.filter()
	if err != nil {
		common.HandleError(c, err)
		return
	}

	summary, err := h.service.Analyze(c.Request.Context(), f)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, "analytics computed", summary)
}

func (q summaryQuery) filter() (Filter, error) {
	var f Filter
	var err error
	if f.From, err = parseTime("from", q.From); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", q.To); err != nil {
		return f, err
	}
	for _, raw := range q.Channels {
		ch, err := notification.ParseChannel(raw)
		if err != nil {
			return f, common.NewValidationError(err.Error())
		}
		f.Channels = append(f.Channels, ch)
	}
	for _, raw := range q.Events {
		f.Events = append(f.Events, notification.TriggerEvent(strings.ToUpper(strings.TrimSpace(raw))))
	}
	f.Bucket = Bucket(strings.ToLower(q.Bucket))
	return f, nil
}

func parseTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, common.NewValidationError(fmt.Sprintf("'%s' must be RFC 3339 or YYYY-MM-DD", name))
}

// RegisterRoutes registers analytics routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/analytics/summary", h.Summary)
}
