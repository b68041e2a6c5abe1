package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"herald/internal/domain/notification"
)

var _ notification.Scheduler = (*LocalScheduler)(nil)

// LocalScheduler runs attempts on in-process timers. Pending timers are lost
// on restart; the reaper re-schedules their records.
type LocalScheduler struct {
	mu      sync.Mutex
	handler AttemptHandler
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewLocalScheduler creates a scheduler. Bind must be called before the
// first timer fires.
func NewLocalScheduler() *LocalScheduler {
	return &LocalScheduler{timers: make(map[*time.Timer]struct{})}
}

// Bind sets the handler that runs fired attempts.
func (s *LocalScheduler) Bind(h AttemptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *LocalScheduler) ScheduleAttempt(_ context.Context, p notification.AttemptPayload, at time.Time, _ notification.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var t *time.Timer
	s.wg.Add(1)
	t = time.AfterFunc(max(time.Until(at), 0), func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, t)
		h := s.handler
		s.mu.Unlock()

		if h == nil {
			slog.Error("local scheduler has no handler", "notification_id", p.NotificationID)
			return
		}
		if err := h.ProcessTask(context.Background(), p); err != nil {
			slog.Error("attempt failed", "notification_id", p.NotificationID, "error", err)
		}
	})
	s.timers[t] = struct{}{}
	return nil
}

// Pending reports how many attempts are waiting on a timer.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every pending timer and waits for running attempts.
func (s *LocalScheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
