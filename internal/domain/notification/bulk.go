package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"herald/internal/common"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// BulkRequest sends one template to many recipients.
type BulkRequest struct {
	TemplateID   string       `json:"templateId"`
	TriggerEvent TriggerEvent `json:"triggerEvent"`
	Channels     []Channel    `json:"channels"`
	Recipients   []Recipient  `json:"recipients"`
	Priority     Priority     `json:"priority"`
	Metadata     Metadata     `json:"metadata"`
	MaxRetries   *int         `json:"maxRetries"`
	ScheduledAt  *time.Time   `json:"scheduledAt"`
}

// BulkResult is the outcome for one requested recipient.
type BulkResult struct {
	Recipient       string   `json:"recipient"`
	NotificationIDs []string `json:"notificationIds,omitempty"`
	Success         bool     `json:"success"`
	Error           string   `json:"error,omitempty"`
}

// BulkResponse aggregates a batch. Successful and Failed always sum to TotalRequested.
type BulkResponse struct {
	BatchID        string       `json:"batchId"`
	TotalRequested int          `json:"totalRequested"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	Results        []BulkResult `json:"results"`
	EstimatedCost  float64      `json:"estimatedCost"`
	ScheduledAt    *time.Time   `json:"scheduledAt,omitempty"`
}

// BulkRetryResult is the outcome of retrying one record of a batch.
type BulkRetryResult struct {
	NotificationID string `json:"notificationId"`
	Status         Status `json:"status,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// BulkRetryResponse aggregates a batch retry.
type BulkRetryResponse struct {
	BatchID   string            `json:"batchId"`
	Retried   int               `json:"retried"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []BulkRetryResult `json:"results"`
}

// BulkConfig holds batch settings.
type BulkConfig struct {
	MaxParallel   int
	MaxRecipients int
	// UnitCosts is the per-channel price of one successful send.
	UnitCosts map[Channel]float64
}

// BulkProcessor fans a template out to many recipients. Each recipient is an
// independent dispatch; its failure is captured in its result and never
// aborts the batch.
type BulkProcessor struct {
	dispatcher *Dispatcher
	retry      *RetryScheduler
	tracker    *Tracker
	config     BulkConfig
}

// NewBulkProcessor creates a bulk processor.
func NewBulkProcessor(dispatcher *Dispatcher, retry *RetryScheduler, tracker *Tracker, cfg BulkConfig) *BulkProcessor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 16
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 1000
	}
	return &BulkProcessor{dispatcher: dispatcher, retry: retry, tracker: tracker, config: cfg}
}

// SendBulk dispatches req.TemplateID to every recipient under a new batch id.
// A recipient succeeds when its dispatch was accepted and none of its records
// ended FAILED. Results keep request order.
func (b *BulkProcessor) SendBulk(ctx context.Context, req *BulkRequest) (*BulkResponse, error) {
	if req.TemplateID == "" {
		return nil, common.NewValidationError("templateId is required")
	}
	if len(req.Recipients) == 0 {
		return nil, common.NewValidationError("at least one recipient is required")
	}
	if len(req.Recipients) > b.config.MaxRecipients {
		return nil, common.NewValidationError(fmt.Sprintf("batch exceeds %d recipients", b.config.MaxRecipients))
	}

	event := req.TriggerEvent
	if event == "" {
		tmpl, err := b.dispatcher.templates.Get(ctx, req.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("loading template: %w", err)
		}
		event = tmpl.TriggerEvent
	}

	batchID := uuid.NewString()
	start := time.Now()
	results := make([]BulkResult, len(req.Recipients))
	costs := make([]float64, len(req.Recipients))

	var g errgroup.Group
	g.SetLimit(b.config.MaxParallel)
	for i, r := range req.Recipients {
		g.Go(func() error {
			results[i], costs[i] = b.sendOne(ctx, batchID, event, req, r)
			return nil
		})
	}
	_ = g.Wait()

	resp := &BulkResponse{
		BatchID:        batchID,
		TotalRequested: len(req.Recipients),
		Results:        results,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(b.tracker.Now()) {
		at := req.ScheduledAt.UTC()
		resp.ScheduledAt = &at
	}
	for i, res := range results {
		if res.Success {
			resp.Successful++
			resp.EstimatedCost += costs[i]
		} else {
			resp.Failed++
		}
	}

	b.tracker.metrics.BatchCompleted(resp.Successful, resp.Failed)
	slog.Info("bulk batch processed",
		"batch_id", batchID,
		"template_id", req.TemplateID,
		"total", resp.TotalRequested,
		"successful", resp.Successful,
		"failed", resp.Failed,
		"duration", time.Since(start),
	)
	return resp, nil
}

func (b *BulkProcessor) sendOne(ctx context.Context, batchID string, event TriggerEvent, req *BulkRequest, r Recipient) (BulkResult, float64) {
	res := BulkResult{Recipient: r.Key()}

	records, err := b.dispatcher.Dispatch(ctx, &DispatchRequest{
		TriggerEvent: event,
		Channels:     req.Channels,
		Priority:     req.Priority,
		TemplateID:   req.TemplateID,
		Metadata:     req.Metadata,
		Recipients:   []Recipient{r},
		MaxRetries:   req.MaxRetries,
		ScheduledAt:  req.ScheduledAt,
		BatchID:      batchID,
	})
	for _, n := range records {
		res.NotificationIDs = append(res.NotificationIDs, n.ID)
	}
	if err != nil {
		res.Error = err.Error()
		return res, 0
	}

	var reasons []string
	var cost float64
	for _, n := range records {
		if n.Status == StatusFailed {
			reasons = append(reasons, fmt.Sprintf("%s: %s", n.Channel, n.FailureReason))
			continue
		}
		cost += b.config.UnitCosts[n.Channel]
	}
	if len(reasons) > 0 {
		res.Error = strings.Join(reasons, "; ")
		return res, 0
	}
	res.Success = true
	return res, cost
}

// RetryBulk manually retries every FAILED record, and every PENDING record
// not currently in flight, of a batch.
func (b *BulkProcessor) RetryBulk(ctx context.Context, batchID string) (*BulkRetryResponse, error) {
	if batchID == "" {
		return nil, common.NewValidationError("batchId is required")
	}

	var candidates []*Notification
	var seen int
	filter := ListFilter{BatchID: batchID, Statuses: []Status{StatusFailed, StatusPending}, Page: 1, PageSize: MaxPageSize}
	for {
		page, total, err := b.tracker.Store().List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing batch %s: %w", batchID, err)
		}
		seen += len(page)
		for _, n := range page {
			if !(n.Status == StatusPending && n.InFlight()) {
				candidates = append(candidates, n)
			}
		}
		if len(page) == 0 || seen >= total {
			break
		}
		filter.Page++
	}

	if len(candidates) == 0 {
		_, total, err := b.tracker.Store().List(ctx, ListFilter{BatchID: batchID, Page: 1, PageSize: 1})
		if err != nil {
			return nil, fmt.Errorf("listing batch %s: %w", batchID, err)
		}
		if total == 0 {
			return nil, common.NewNotFoundError("batch", batchID)
		}
	}

	resp := &BulkRetryResponse{BatchID: batchID, Results: make([]BulkRetryResult, len(candidates))}

	var g errgroup.Group
	g.SetLimit(b.config.MaxParallel)
	for i, n := range candidates {
		g.Go(func() error {
			out := BulkRetryResult{NotificationID: n.ID}
			updated, err := b.retry.RetryNow(ctx, n.ID)
			if err != nil {
				out.Error = err.Error()
			} else {
				out.Status = updated.Status
				out.Success = updated.Status != StatusFailed
				if !out.Success {
					out.Error = updated.FailureReason
				}
			}
			resp.Results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	resp.Retried = len(candidates)
	for _, r := range resp.Results {
		if r.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	slog.Info("bulk batch retried",
		"batch_id", batchID,
		"retried", resp.Retried,
		"succeeded", resp.Succeeded,
		"failed", resp.Failed,
	)
	return resp, nil
}
