package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/internal/domain/notification"
	"herald/internal/infra/store"

	"github.com/stretchr/testify/require"
)

// fakeSender records deliveries. plan, when set, decides the outcome of each call.
type fakeSender struct {
	channel notification.Channel
	plan    func(call int, d *notification.Delivery) error

	mu    sync.Mutex
	calls []notification.Delivery
}

func newFakeSender(ch notification.Channel) *fakeSender {
	return &fakeSender{channel: ch}
}

// failing returns errs in order, then succeeds.
func failing(ch notification.Channel, errs ...error) *fakeSender {
	return &fakeSender{channel: ch, plan: func(call int, _ *notification.Delivery) error {
		if call < len(errs) {
			return errs[call]
		}
		return nil
	}}
}

func (s *fakeSender) Channel() notification.Channel { return s.channel }

func (s *fakeSender) Send(_ context.Context, d *notification.Delivery) (notification.SendResult, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, *d)
	plan := s.plan
	if plan != nil {
		if err := plan(call, d); err != nil {
			s.mu.Unlock()
			return notification.SendResult{}, err
		}
	}
	s.mu.Unlock()
	return notification.SendResult{ProviderMessageID: "prov-" + d.NotificationID}, nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type scheduledTask struct {
	payload  notification.AttemptPayload
	at       time.Time
	priority notification.Priority
}

// recordingScheduler keeps tasks until the test runs them.
type recordingScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (s *recordingScheduler) ScheduleAttempt(_ context.Context, p notification.AttemptPayload, at time.Time, priority notification.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduledTask{payload: p, at: at, priority: priority})
	return nil
}

func (s *recordingScheduler) Tasks() []scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledTask(nil), s.tasks...)
}

func (s *recordingScheduler) pop() (scheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return scheduledTask{}, false
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	return t, true
}

type denyLimiter struct{ deny string }

func (l denyLimiter) Allow(_ context.Context, recipient string) (bool, error) {
	return recipient != l.deny, nil
}

type harness struct {
	now       time.Time
	store     *store.MemoryStore
	templates *store.MemoryTemplateStore
	scheduler *recordingScheduler
	tracker   *notification.Tracker
	retry     *notification.RetryScheduler
	worker    *notification.Worker
	dispatch  *notification.Dispatcher
	bulk      *notification.BulkProcessor
	service   *notification.Service
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	limiter  notification.RecipientRateLimiter
	archiver notification.Archiver
	renderer notification.RendererConfig
	costs    map[notification.Channel]float64
	wrap     func(notification.Store) notification.Store
}

func withLimiter(l notification.RecipientRateLimiter) harnessOption {
	return func(c *harnessConfig) { c.limiter = l }
}

func withArchiver(a notification.Archiver) harnessOption {
	return func(c *harnessConfig) { c.archiver = a }
}

func withUnitCosts(costs map[notification.Channel]float64) harnessOption {
	return func(c *harnessConfig) { c.costs = costs }
}

// withStore puts wrap between the tracker and the memory store.
func withStore(wrap func(notification.Store) notification.Store) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

// failCreate rejects creating records on one channel.
type failCreate struct {
	notification.Store
	channel notification.Channel
}

func (s failCreate) Create(ctx context.Context, n *notification.Notification) error {
	if n.Channel == s.channel {
		return errors.New("disk full")
	}
	return s.Store.Create(ctx, n)
}

// Monday 2 March 2026, 10:15 UTC.
var testNow = time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

func newHarness(t *testing.T, senders []notification.Sender, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		now:       testNow,
		store:     store.NewMemoryStore(),
		templates: store.NewMemoryTemplateStore(),
		scheduler: &recordingScheduler{},
	}
	var st notification.Store = h.store
	if cfg.wrap != nil {
		st = cfg.wrap(st)
	}
	h.tracker = notification.NewTracker(st, notification.WithClock(func() time.Time { return h.now }))

	backoff := notification.DefaultBackoff()
	backoff.Jitter = func() float64 { return 0 }
	h.retry = notification.NewRetryScheduler(h.tracker, h.scheduler, backoff)
	h.worker = notification.NewWorker(h.tracker, h.retry, notification.NewSenders(senders...), notification.WorkerConfig{SendTimeout: time.Second})
	h.dispatch = notification.NewDispatcher(h.tracker, h.templates, notification.NewRenderer(cfg.renderer), h.worker, h.scheduler, cfg.limiter, notification.DispatcherConfig{})
	h.bulk = notification.NewBulkProcessor(h.dispatch, h.retry, h.tracker, notification.BulkConfig{MaxParallel: 4, MaxRecipients: 10, UnitCosts: cfg.costs})
	h.service = notification.NewService(h.tracker, h.templates, h.dispatch, h.retry, h.bulk, cfg.archiver)
	return h
}

// drain runs queued attempt tasks until none remain.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		task, ok := h.scheduler.pop()
		if !ok {
			return
		}
		require.NoError(t, h.worker.ProcessTask(context.Background(), task.payload))
	}
	t.Fatal("scheduler did not drain")
}

func (h *harness) get(t *testing.T, id string) *notification.Notification {
	t.Helper()
	n, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n
}

// put stores a record directly, bypassing dispatch.
func (h *harness) put(t *testing.T, n *notification.Notification) *notification.Notification {
	t.Helper()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = h.now
		n.UpdatedAt = h.now
	}
	if n.Channel == "" {
		n.Channel = notification.ChannelEmail
	}
	if n.TriggerEvent == "" {
		n.TriggerEvent = notification.EventCustom
	}
	if n.Priority == 0 {
		n.Priority = notification.PriorityNormal
	}
	require.NoError(t, h.store.Create(context.Background(), n))
	return n
}

func (h *harness) addTemplate(t *testing.T, tmpl *notification.Template) {
	t.Helper()
	_, err := h.service.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)
}

func plainRequest(to string, channels ...notification.Channel) *notification.DispatchRequest {
	return &notification.DispatchRequest{
		TriggerEvent: notification.EventCustom,
		Channels:     channels,
		Title:        "Heads up",
		Message:      "Your date is tomorrow",
		Recipients:   []notification.Recipient{{Address: to}},
	}
}

func intPtr(v int) *int { return &v }
