package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"herald/internal/domain/notification"

	"github.com/hibiken/asynq"
)

// Queue names, highest weight first.
const (
	QueueCritical = "critical"
	QueueHigh     = "high"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// maxInfraRetry covers failures of the attempt handler itself (store
// unreachable, lock timeouts). Delivery retries are scheduled by the domain.
const maxInfraRetry = 3

var _ notification.Scheduler = (*AsynqScheduler)(nil)

// RedisOpt builds the asynq connection options.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
}

// NewServer creates a new asynq server connected to Redis.
func NewServer(opt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueCritical: 8,
			QueueHigh:     4,
			QueueDefault:  2,
			QueueLow:      1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			// 10s, 20s, 40s
			return time.Duration(10*(1<<uint(n))) * time.Second
		},
		Logger: newLogger(),
	})
}

// QueueFor maps a priority to its asynq queue.
func QueueFor(p notification.Priority) string {
	switch {
	case p >= notification.PriorityCritical:
		return QueueCritical
	case p >= notification.PriorityHigh:
		return QueueHigh
	case p <= notification.PriorityLow:
		return QueueLow
	default:
		return QueueDefault
	}
}

// AsynqScheduler enqueues attempts on Redis through asynq.
type AsynqScheduler struct {
	client *asynq.Client
}

// NewAsynqScheduler creates a scheduler with its own asynq client.
func NewAsynqScheduler(opt asynq.RedisClientOpt) *AsynqScheduler {
	return &AsynqScheduler{client: asynq.NewClient(opt)}
}

// ScheduleAttempt enqueues p to run at at. A zero or past time runs as soon
// as a worker is free.
func (s *AsynqScheduler) ScheduleAttempt(ctx context.Context, p notification.AttemptPayload, at time.Time, priority notification.Priority) error {
	task, err := notification.NewAttemptTask(p)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(maxInfraRetry),
		asynq.Queue(QueueFor(priority)),
	}
	if !at.IsZero() && at.After(time.Now()) {
		opts = append(opts, asynq.ProcessAt(at))
	}

	info, err := s.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueuing task: %w", err)
	}
	slog.Debug("attempt enqueued",
		"notification_id", p.NotificationID,
		"task_id", info.ID,
		"queue", info.Queue,
		"process_at", info.NextProcessAt,
	)
	return nil
}

// Close releases the Redis connection.
func (s *AsynqScheduler) Close() error {
	return s.client.Close()
}

// AttemptHandler processes one attempt payload.
type AttemptHandler interface {
	ProcessTask(ctx context.Context, p notification.AttemptPayload) error
}

// NewMux routes attempt tasks to h.
func NewMux(h AttemptHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(notification.TaskTypeAttempt, func(ctx context.Context, t *asynq.Task) error {
		p, err := notification.ParseAttemptPayload(t.Payload())
		if err != nil {
			// A malformed payload never becomes valid.
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return h.ProcessTask(ctx, *p)
	})
	return mux
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct {
	l *slog.Logger
}

func newLogger() asynq.Logger {
	return slogAdapter{l: slog.Default().With("component", "asynq")}
}

func (a slogAdapter) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any) { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any) { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
