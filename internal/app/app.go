package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"herald/internal/config"
	"herald/internal/domain/analytics"
	"herald/internal/domain/notification"
	"herald/internal/infra/archive"
	"herald/internal/infra/awsconf"
	"herald/internal/infra/email"
	"herald/internal/infra/events"
	"herald/internal/infra/inapp"
	"herald/internal/infra/metrics"
	"herald/internal/infra/push"
	"herald/internal/infra/queue"
	"herald/internal/infra/ratelimit"
	"herald/internal/infra/sandbox"
	"herald/internal/infra/slack"
	"herald/internal/infra/sms"
	"herald/internal/infra/store"
	"herald/internal/infra/template"
	"herald/internal/infra/webhook"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
)

// App is the wired object graph shared by the server and worker binaries.
type App struct {
	Config    *config.Config
	Metrics   *metrics.Metrics
	Hub       *inapp.Hub
	Tracker   *notification.Tracker
	Templates notification.TemplateStore
	Worker    *notification.Worker
	Service   *notification.Service
	Analytics *analytics.Service
	Reaper    *notification.Reaper

	// Local is set when attempts run on in-process timers.
	Local *queue.LocalScheduler

	skipSeed bool
	closers  []func() error
}

// Option adjusts how New builds the graph.
type Option func(*App)

// WithoutTemplateSeeding skips loading the templates directory at startup.
func WithoutTemplateSeeding() Option {
	return func(a *App) { a.skipSeed = true }
}

// New builds every component cfg asks for. Close releases them in reverse order.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New(), Hub: inapp.NewHub()}
	for _, opt := range opts {
		opt(a)
	}
	a.onClose(func() error { a.Hub.Close(); return nil })

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	records, templates, err := a.openStores()
	if err != nil {
		return err
	}
	a.Templates = templates

	trackerOpts := []notification.TrackerOption{notification.WithRecorder(a.Metrics)}
	if len(cfg.Kafka.Brokers) > 0 && !cfg.Sandbox() {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			return fmt.Errorf("initializing kafka publisher: %w", err)
		}
		a.onClose(pub.Close)
		trackerOpts = append(trackerOpts, notification.WithPublisher(pub))
		slog.Info("lifecycle events enabled", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}
	a.Tracker = notification.NewTracker(records, trackerOpts...)

	scheduler := a.scheduler()

	senders, err := a.senders(ctx)
	if err != nil {
		return err
	}

	limiter, err := a.recipientLimiter(ctx)
	if err != nil {
		return err
	}

	renderer := notification.NewRenderer(notification.RendererConfig{
		SMSMaxLength: cfg.Dispatch.SMSMaxLength,
		SMSOverflow:  notification.OverflowPolicy(cfg.Dispatch.SMSOverflow),
	})
	retry := notification.NewRetryScheduler(a.Tracker, scheduler, notification.DefaultBackoff())
	a.Worker = notification.NewWorker(a.Tracker, retry, senders, notification.WorkerConfig{
		SendTimeout: cfg.Dispatch.SendTimeout,
	})
	if a.Local != nil {
		a.Local.Bind(a.Worker)
	}

	dispatcher := notification.NewDispatcher(a.Tracker, templates, renderer, a.Worker, scheduler, limiter, notification.DispatcherConfig{
		MaxParallel:       cfg.Dispatch.MaxParallel,
		DefaultMaxRetries: cfg.Dispatch.MaxRetries,
	})

	unitCosts, err := byChannel(cfg.Dispatch.UnitCosts)
	if err != nil {
		return fmt.Errorf("dispatch.unit_costs: %w", err)
	}
	bulk := notification.NewBulkProcessor(dispatcher, retry, a.Tracker, notification.BulkConfig{
		MaxParallel:   cfg.Dispatch.BulkParallel,
		MaxRecipients: cfg.Dispatch.BulkMaxSize,
		UnitCosts:     unitCosts,
	})

	var archiver notification.Archiver
	if cfg.Archive.Bucket != "" && !cfg.Sandbox() {
		s3a, err := archive.NewS3Archiver(ctx, awsConfig(cfg.Archive.AWS), cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			return fmt.Errorf("initializing archive: %w", err)
		}
		archiver = s3a
		slog.Info("purge archive enabled", "bucket", cfg.Archive.Bucket)
	}

	a.Service = notification.NewService(a.Tracker, templates, dispatcher, retry, bulk, archiver)
	a.Analytics = analytics.NewService(records)
	a.Reaper = notification.NewReaper(a.Tracker, scheduler, notification.ReaperConfig{
		Interval:       cfg.Reaper.Interval,
		StaleThreshold: cfg.Reaper.StaleThreshold,
		BatchSize:      cfg.Reaper.BatchSize,
		OnRecovered:    a.Metrics.Recovered,
	})

	if dir := resolveTemplatesDir(cfg.Dispatch.TemplatesDir); dir != "" && !a.skipSeed {
		seeds, err := template.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("loading templates: %w", err)
		}
		if _, err := template.Seed(ctx, templates, seeds, false); err != nil {
			return fmt.Errorf("seeding templates: %w", err)
		}
	}
	return nil
}

// resolveTemplatesDir falls back to /app/templates (container image) or
// ./templates (development) when no directory is configured.
func resolveTemplatesDir(configured string) string {
	if configured != "" {
		return configured
	}
	for _, dir := range []string{"/app/templates", "templates"} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// OpenDB opens the SQL database for the postgres and sqlite drivers.
func OpenDB(cfg *config.Config) (*sqlx.DB, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres, config.StoreSQLite:
		return store.OpenSQL(cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxConns)
	}
	return nil, fmt.Errorf("store driver %q has no SQL database", cfg.Store.Driver)
}

func (a *App) openStores() (notification.Store, notification.TemplateStore, error) {
	cfg := a.Config
	driver := cfg.Store.Driver
	if cfg.Sandbox() {
		driver = config.StoreMemory
	}

	switch driver {
	case config.StoreMemory:
		slog.Info("memory store initialized")
		return store.NewMemoryStore(), store.NewMemoryTemplateStore(), nil

	case config.StoreSupabase:
		client, err := store.NewSupabaseClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing supabase store: %w", err)
		}
		slog.Info("supabase store initialized")
		return store.NewSupabaseStore(client), store.NewSupabaseTemplateStore(client), nil

	default:
		db, err := OpenDB(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing %s store: %w", driver, err)
		}
		a.onClose(db.Close)
		if cfg.Store.AutoMigrate {
			if err := store.NewMigrator(db, driver, slog.Default()).AutoMigrate(); err != nil {
				return nil, nil, err
			}
		}
		slog.Info("sql store initialized", "driver", driver)
		return store.NewSQLStore(db), store.NewSQLTemplateStore(db), nil
	}
}

func (a *App) scheduler() notification.Scheduler {
	cfg := a.Config
	if cfg.Sandbox() || cfg.Queue.Backend == config.QueueLocal {
		a.Local = queue.NewLocalScheduler()
		a.onClose(a.Local.Close)
		slog.Info("local scheduler initialized")
		return a.Local
	}
	s := queue.NewAsynqScheduler(a.RedisOpt())
	a.onClose(s.Close)
	slog.Info("asynq scheduler initialized", "redis", cfg.Redis.Address)
	return s
}

// RedisOpt returns the asynq connection options for the configured Redis.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return queue.RedisOpt(a.Config.Redis.Address, a.Config.Redis.Password, a.Config.Redis.DB)
}

func (a *App) recipientLimiter(ctx context.Context) (notification.RecipientRateLimiter, error) {
	rl := a.Config.Dispatch.RecipientLimit
	if rl.Limit <= 0 || a.Config.Sandbox() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis for recipient rate limiting: %w", err)
	}
	a.onClose(client.Close)
	slog.Info("recipient rate limiter initialized", "limit", rl.Limit, "window", rl.Window)
	return ratelimit.NewRedisRecipientLimiter(client, rl.Limit, rl.Window), nil
}

func (a *App) senders(ctx context.Context) (notification.Senders, error) {
	cfg := a.Config
	if cfg.Sandbox() {
		slog.Warn("sandbox mode: deliveries are recorded, not sent")
		return notification.NewSenders(sandbox.NewSenders()...), nil
	}

	list := []notification.Sender{
		slack.NewWebhookSender(cfg.Slack.WebhookURL, cfg.Slack.Username, cfg.Slack.IconEmoji),
		webhook.NewSender(cfg.Webhook.SigningSecret),
		inapp.NewSender(a.Hub),
	}
	if cfg.Email.APIKey != "" {
		list = append(list, email.NewResendSender(cfg.Email.APIKey, cfg.Email.FromAddress, cfg.Email.FromName, cfg.Email.BaseURL))
	}
	if cfg.SMS.AWS.Region != "" {
		s, err := sms.NewSNSSender(ctx, awsConfig(cfg.SMS.AWS), cfg.SMS.SenderID)
		if err != nil {
			return nil, fmt.Errorf("initializing sms sender: %w", err)
		}
		list = append(list, s)
	}
	if cfg.Push.ProjectID != "" {
		var opts []option.ClientOption
		if cfg.Push.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Push.CredentialsFile))
		}
		s, err := push.NewFCMSender(ctx, cfg.Push.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("initializing push sender: %w", err)
		}
		list = append(list, s)
	}

	for i, s := range list {
		t, ok := throttleFor(cfg.Dispatch.Throttle, s.Channel())
		if ok {
			list[i] = notification.Throttle(s, t.PerSecond, t.Burst)
		}
	}

	senders := notification.NewSenders(list...)
	for _, ch := range notification.AllChannels {
		if _, ok := senders[ch]; !ok {
			slog.Warn("channel has no provider configured", "channel", ch)
		}
	}
	return senders, nil
}

func throttleFor(m map[string]config.ThrottleConfig, ch notification.Channel) (config.ThrottleConfig, bool) {
	for k, v := range m {
		if strings.EqualFold(k, string(ch)) {
			return v, true
		}
	}
	return config.ThrottleConfig{}, false
}

func byChannel(m map[string]float64) (map[notification.Channel]float64, error) {
	out := make(map[notification.Channel]float64, len(m))
	for k, v := range m {
		ch, err := notification.ParseChannel(k)
		if err != nil {
			return nil, err
		}
		out[ch] = v
	}
	return out, nil
}

func awsConfig(c config.AWSConfig) awsconf.Config {
	return awsconf.Config{
		Region:    c.Region,
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		UseSSL:    c.UseSSL,
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
