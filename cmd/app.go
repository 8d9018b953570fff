package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/eventlog"
	"github.com/sells-group/intake-bot/internal/funnel"
	"github.com/sells-group/intake-bot/internal/leadsink"
	"github.com/sells-group/intake-bot/internal/monitoring"
	"github.com/sells-group/intake-bot/internal/notify"
	"github.com/sells-group/intake-bot/internal/reminder"
	"github.com/sells-group/intake-bot/internal/session"
	"github.com/sells-group/intake-bot/internal/store"
	"github.com/sells-group/intake-bot/pkg/notion"
)

// app holds everything the bot needs besides the chat transport.
type app struct {
	store     store.Store
	redis     *redis.Client
	reminders *reminder.Scheduler
	events    *eventlog.Logger
	sink      *leadsink.Sink
	machine   *funnel.Machine
	checker   *monitoring.Checker
}

// initApp wires storage, sessions, sinks, and the funnel around renderer.
func initApp(ctx context.Context, renderer funnel.Renderer) (*app, error) {
	log := zap.L().With(zap.String("component", "app"))
	a := &app{}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		a.Close(ctx)
		return nil, eris.Wrap(err, "migrate store")
	}

	var (
		registry session.Registry
		dispatch *session.Dispatcher
		checks   []monitoring.Option
	)
	switch cfg.Session.Backend {
	case "redis":
		client, err := session.DialRedis(ctx, cfg.Session.RedisURL)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.redis = client
		registry = session.NewRedis(client, cfg.Session.TTL)
		dispatch = session.NewDispatcher(session.WithLocker(session.NewRedisLocker(client), 30*time.Second))
		checks = append(checks, monitoring.WithProbe("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	default:
		mem := session.NewMemory(cfg.Session.TTL)
		registry = mem
		dispatch = session.NewDispatcher()
		checks = append(checks, monitoring.WithSweep("sessions", mem.Sweep))
	}

	// Unconfigured sinks stay nil interfaces so the lead sink reports them as skipped.
	var leads leadsink.LeadStore
	if cfg.Store.DatabaseURL != "" {
		leads = st
		checks = append(checks, monitoring.WithProbe("store", st.Ping))
	}
	var notifier leadsink.Notifier
	if cfg.Webhook.URL != "" {
		notifier = notify.NewWebhook(cfg.Webhook)
	}
	var mirror leadsink.Mirror
	if cfg.Notion.Token != "" && cfg.Notion.LeadDB != "" {
		mirror = leadsink.NewNotionMirror(notion.NewClient(cfg.Notion.Token), cfg.Notion.LeadDB)
	}

	degraded := cfg.Degraded()
	for _, name := range degraded {
		log.Warn("sink not configured, running as no-op", zap.String("sink", name))
	}
	log.Info("sinks configured",
		zap.Bool("store", leads != nil),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("webhook", notifier != nil),
		zap.Bool("notion", mirror != nil),
		zap.Bool("admin", cfg.Telegram.AdminChatID != 0),
		zap.String("sessions", cfg.Session.Backend),
		zap.Bool("debug", cfg.Debug),
	)

	a.sink = leadsink.New(leadsink.Config{
		StoreTimeout:   cfg.Store.Timeout,
		WebhookTimeout: cfg.Webhook.Timeout,
	}, leads, notifier, mirror)
	a.events = eventlog.New(st, eventlog.WithQueueSize(cfg.EventLog.QueueSize))

	// The scheduler and machine refer to each other; the handler binds late.
	var machine *funnel.Machine
	a.reminders = reminder.New(func(f reminder.Fired) { machine.OnReminder(f) })
	machine = funnel.New(funnel.Config{
		StallDelay:  cfg.Reminder.StallDelay,
		PhoneDelay:  cfg.Reminder.PhoneDelay,
		AdminChatID: cfg.Telegram.AdminChatID,
		Debug:       cfg.Debug,
	}, funnel.Deps{
		Sessions:   registry,
		Dispatcher: dispatch,
		Renderer:   renderer,
		Reminders:  a.reminders,
		Events:     a.events,
		Sink:       a.sink,
	})
	a.machine = machine

	checks = append(checks,
		monitoring.WithBreakers(a.sink.Breakers),
		monitoring.WithDegraded(degraded),
	)
	a.checker = monitoring.NewChecker(time.Minute, checks...)

	return a, nil
}

// Close stops reminders, waits for in-flight deliveries, flushes analytics,
// and closes connections. It is safe on a partially built app.
func (a *app) Close(ctx context.Context) {
	log := zap.L().With(zap.String("component", "app"))

	if a.reminders != nil {
		a.reminders.Close()
	}
	if a.sink != nil {
		if err := a.sink.Wait(ctx); err != nil {
			log.Warn("lead deliveries still running at shutdown", zap.Error(err))
		}
	}
	if a.events != nil {
		if err := a.events.Close(ctx); err != nil {
			log.Warn("analytics not fully flushed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("close redis", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}
}
