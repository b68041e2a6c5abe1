package analytics

import (
	"time"

	"herald/internal/domain/notification"
)

// Bucket is the width of one trend interval.
type Bucket string

const (
	BucketHour Bucket = "hour"
	BucketDay  Bucket = "day"
	BucketWeek Bucket = "week"
)

// MaxBuckets caps the trend series length.
const MaxBuckets = 1000

// Filter selects the records an analysis covers. From is inclusive, To exclusive.
type Filter struct {
	From     time.Time
	To       time.Time
	Channels []notification.Channel
	Events   []notification.TriggerEvent
	Bucket   Bucket
}

// Breakdown counts one slice of the records.
type Breakdown struct {
	Total        int     `json:"total"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Failed       int     `json:"failed"`
	DeliveryRate float64 `json:"deliveryRate"`
}

// TrendPoint is one bucket of the trend series.
type TrendPoint struct {
	Start     time.Time `json:"start"`
	Total     int       `json:"total"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
}

// Summary is the result of an analysis. Rates are fractions in [0,1] and are
// 0 when their denominator is 0.
type Summary struct {
	From                  time.Time                                `json:"from"`
	To                    time.Time                                `json:"to"`
	Bucket                Bucket                                   `json:"bucket"`
	Total                 int                                      `json:"total"`
	StatusCounts          map[notification.Status]int              `json:"statusCounts"`
	DeliveryRate          float64                                  `json:"deliveryRate"`
	OpenRate              float64                                  `json:"openRate"`
	ClickRate             float64                                  `json:"clickRate"`
	FailureRate           float64                                  `json:"failureRate"`
	AverageDeliveryTimeMs float64                                  `json:"averageDeliveryTimeMs"`
	ByChannel             map[notification.Channel]*Breakdown      `json:"byChannel"`
	ByEvent               map[notification.TriggerEvent]*Breakdown `json:"byEvent"`
	Trend                 []TrendPoint                             `json:"trend"`
}
