package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

// RecordReader is the read side of the notification store.
type RecordReader interface {
	List(ctx context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error)
}

// Service computes delivery analytics from stored records. It never writes.
type Service struct {
	records RecordReader
}

// NewService creates a new analytics service.
func NewService(records RecordReader) *Service {
	return &Service{records: records}
}

// Analyze scans every record matching f and aggregates it. An empty match
// yields a zero summary with the full (empty) trend series.
func (s *Service) Analyze(ctx context.Context, f Filter) (*Summary, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}

	starts, err := bucketStarts(f.From, f.To, f.Bucket)
	if err != nil {
		return nil, err
	}

	agg := newAggregator(f, starts)
	from, to := f.From, f.To
	filter := notification.ListFilter{
		From:     &from,
		To:       &to,
		Channels: f.Channels,
		Events:   f.Events,
		Page:     1,
		PageSize: notification.MaxPageSize,
	}

	start := time.Now()
	for {
		page, total, err := s.records.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("scanning notifications: %w", err)
		}
		for _, n := range page {
			agg.add(n)
		}
		if len(page) == 0 || filter.Offset()+len(page) >= total {
			break
		}
		filter.Page++
	}

	summary := agg.summary()
	slog.Debug("analytics computed",
		"from", f.From,
		"to", f.To,
		"total", summary.Total,
		"duration", time.Since(start),
	)
	return summary, nil
}

func (f *Filter) normalize() error {
	if f.From.IsZero() || f.To.IsZero() {
		return common.NewValidationError("both 'from' and 'to' are required")
	}
	if f.To.Before(f.From) {
		return common.NewValidationError("'to' must not be before 'from'")
	}
	f.From = f.From.UTC()
	f.To = f.To.UTC()
	if f.Bucket == "" {
		f.Bucket = BucketDay
	}
	switch f.Bucket {
	case BucketHour, BucketDay, BucketWeek:
	default:
		return common.NewValidationError(fmt.Sprintf("unsupported bucket: %s", f.Bucket))
	}
	for _, ch := range f.Channels {
		if !ch.IsValid() {
			return common.NewValidationError(fmt.Sprintf("unsupported channel: %s", ch))
		}
	}
	for _, ev := range f.Events {
		if !ev.IsValid() {
			return common.NewValidationError(fmt.Sprintf("unsupported trigger event: %s", ev))
		}
	}
	return nil
}

// truncate returns the start of the bucket holding t. Weeks start on Monday.
func truncate(t time.Time, b Bucket) time.Time {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func next(t time.Time, b Bucket) time.Time {
	switch b {
	case BucketHour:
		return t.Add(time.Hour)
	case BucketWeek:
		return t.AddDate(0, 0, 7)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// bucketStarts lists the start of every bucket overlapping [from, to).
// An empty range has no buckets.
func bucketStarts(from, to time.Time, b Bucket) ([]time.Time, error) {
	starts := []time.Time{}
	if !to.After(from) {
		return starts, nil
	}
	for t := truncate(from, b); t.Before(to); t = next(t, b) {
		if len(starts) == MaxBuckets {
			return nil, common.NewValidationError(fmt.Sprintf("range spans more than %d %s buckets", MaxBuckets, b))
		}
		starts = append(starts, t)
	}
	return starts, nil
}

type aggregator struct {
	bucket        Bucket
	from          time.Time
	to            time.Time
	total         int
	statuses      map[notification.Status]int
	delivered     int
	opened        int
	clicked       int
	failed        int
	deliveryTotal time.Duration
	deliveryCount int
	byChannel     map[notification.Channel]*Breakdown
	byEvent       map[notification.TriggerEvent]*Breakdown
	trend         []TrendPoint
	index         map[time.Time]int
}

func newAggregator(f Filter, starts []time.Time) *aggregator {
	a := &aggregator{
		bucket:    f.Bucket,
		from:      f.From,
		to:        f.To,
		statuses:  make(map[notification.Status]int),
		byChannel: make(map[notification.Channel]*Breakdown),
		byEvent:   make(map[notification.TriggerEvent]*Breakdown),
		trend:     make([]TrendPoint, len(starts)),
		index:     make(map[time.Time]int, len(starts)),
	}
	for i, t := range starts {
		a.trend[i] = TrendPoint{Start: t}
		a.index[t] = i
	}
	return a
}

func isDelivered(s notification.Status) bool {
	return s == notification.StatusDelivered || s == notification.StatusOpened || s == notification.StatusClicked
}

func isFailed(s notification.Status) bool {
	return s == notification.StatusFailed || s == notification.StatusBounced
}

func (a *aggregator) add(n *notification.Notification) {
	if n.CreatedAt.Before(a.from) || !n.CreatedAt.Before(a.to) {
		return
	}

	a.total++
	a.statuses[n.Status]++

	delivered := isDelivered(n.Status)
	failed := isFailed(n.Status)
	switch {
	case delivered:
		a.delivered++
		if n.Status != notification.StatusDelivered {
			a.opened++
		}
		if n.Status == notification.StatusClicked {
			a.clicked++
		}
		if n.SentAt != nil && n.DeliveredAt != nil && !n.DeliveredAt.Before(*n.SentAt) {
			a.deliveryTotal += n.DeliveredAt.Sub(*n.SentAt)
			a.deliveryCount++
		}
	case failed:
		a.failed++
	}

	for _, b := range []*Breakdown{slotFor(a.byChannel, n.Channel), slotFor(a.byEvent, n.TriggerEvent)} {
		b.Total++
		if n.SentAt != nil {
			b.Sent++
		}
		if delivered {
			b.Delivered++
		}
		if failed {
			b.Failed++
		}
	}

	if i, ok := a.index[truncate(n.CreatedAt, a.bucket)]; ok {
		a.trend[i].Total++
		if delivered {
			a.trend[i].Delivered++
		}
		if failed {
			a.trend[i].Failed++
		}
	}
}

func slotFor[K comparable](m map[K]*Breakdown, k K) *Breakdown {
	b, ok := m[k]
	if !ok {
		b = &Breakdown{}
		m[k] = b
	}
	return b
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (a *aggregator) summary() *Summary {
	s := &Summary{
		From:         a.from,
		To:           a.to,
		Bucket:       a.bucket,
		Total:        a.total,
		StatusCounts: a.statuses,
		DeliveryRate: ratio(a.delivered, a.total),
		OpenRate:     ratio(a.opened, a.delivered),
		ClickRate:    ratio(a.clicked, a.delivered),
		FailureRate:  ratio(a.failed, a.total),
		ByChannel:    a.byChannel,
		ByEvent:      a.byEvent,
		Trend:        a.trend,
	}
	if a.deliveryCount > 0 {
		s.AverageDeliveryTimeMs = float64(a.deliveryTotal.Milliseconds()) / float64(a.deliveryCount)
	}
	for _, b := range a.byChannel {
		b.DeliveryRate = ratio(b.Delivered, b.Total)
	}
	for _, b := range a.byEvent {
		b.DeliveryRate = ratio(b.Delivered, b.Total)
	}
	return s
}
