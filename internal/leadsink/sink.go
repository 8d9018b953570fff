// Package leadsink delivers completed leads to storage, the automation
// webhook, and the optional CRM mirror. Every call is best-effort: bounded
// by a timeout, guarded by a breaker, never retried.
package leadsink

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-bot/internal/metrics"
	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/notify"
	"github.com/sells-group/intake-bot/internal/resilience"
)

// Sink names used in outcomes, logs, and metrics.
const (
	SinkStore   = "store"
	SinkWebhook = "webhook"
	SinkNotion  = "notion"
)

// LeadStore is the part of store.Store the sink writes through.
type LeadStore interface {
	AppendLead(ctx context.Context, lead *model.Lead) error
	UpdateLeadStatus(ctx context.Context, telegramID int64, status model.LeadStatus) error
}

// Notifier posts webhook payloads. *notify.Webhook satisfies it.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, p notify.Payload) error
}

// Mirror copies leads into an external CRM.
type Mirror interface {
	Create(ctx context.Context, lead *model.Lead) error
	SetStatus(ctx context.Context, telegramID int64, status model.LeadStatus) error
}

// Outcome is the result of one sink call.
type Outcome struct {
	Sink     string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// OK reports whether the call succeeded or was skipped.
func (o Outcome) OK() bool { return o.Err == nil }

// Kind buckets the outcome for logs and metrics.
func (o Outcome) Kind() string {
	if o.Skipped {
		return "skipped"
	}
	return resilience.Kind(o.Err)
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Config holds per-sink deadlines.
type Config struct {
	StoreTimeout   time.Duration
	WebhookTimeout time.Duration
	MirrorTimeout  time.Duration
	Breaker        resilience.BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 5 * time.Second
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = 10 * time.Second
	}
	return c
}

// Sink fans a lead out to every configured destination.
type Sink struct {
	cfg      Config
	store    LeadStore
	notifier Notifier
	mirror   Mirror
	breakers *resilience.Set
	log      *zap.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	tails map[int64]chan struct{}
}

// New creates a Sink. store, notifier, and mirror may be nil; a nil sink is
// reported as skipped.
func New(cfg Config, store LeadStore, notifier Notifier, mirror Mirror) *Sink {
	log := zap.L().With(zap.String("component", "leadsink"))
	cfg = cfg.withDefaults()
	onChange := cfg.Breaker.OnChange
	cfg.Breaker.OnChange = func(name string, from, to resilience.State) {
		log.Warn("sink breaker changed state",
			zap.String("sink", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	return &Sink{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		mirror:   mirror,
		breakers: resilience.NewSet(cfg.Breaker),
		log:      log,
		tails:    make(map[int64]chan struct{}),
	}
}

// call runs fn under the sink's deadline and breaker and records the outcome.
func (s *Sink) call(ctx context.Context, sink string, timeout time.Duration, fn func(ctx context.Context) error) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.breakers.Get(sink).Do(ctx, fn)
	o := Outcome{Sink: sink, Err: err, Duration: time.Since(start)}
	metrics.RecordSink(sink, o.Kind(), o.Duration)
	return o
}

func skipped(sink string) Outcome {
	metrics.RecordSink(sink, "skipped", 0)
	return Outcome{Sink: sink, Skipped: true}
}

// Persist appends the lead row.
func (s *Sink) Persist(ctx context.Context, lead *model.Lead) Outcome {
	if s.store == nil {
		return skipped(SinkStore)
	}
	return s.call(ctx, SinkStore, s.cfg.StoreTimeout, func(ctx context.Context) error {
		return s.store.AppendLead(ctx, lead)
	})
}

// Notify posts the new_lead webhook.
func (s *Sink) Notify(ctx context.Context, lead *model.Lead) Outcome {
	if s.notifier == nil || !s.notifier.Enabled() {
		return skipped(SinkWebhook)
	}
	return s.call(ctx, SinkWebhook, s.cfg.WebhookTimeout, func(ctx context.Context) error {
		return s.notifier.Send(ctx, notify.NewLeadPayload(lead))
	})
}

// Mirror creates the CRM page.
func (s *Sink) Mirror(ctx context.Context, lead *model.Lead) Outcome {
	if s.mirror == nil {
		return skipped(SinkNotion)
	}
	return s.call(ctx, SinkNotion, s.cfg.MirrorTimeout, func(ctx context.Context) error {
		return s.mirror.Create(ctx, lead)
	})
}

// Complete delivers a finished lead to every sink concurrently and waits for
// all of them. A failing sink never affects the others.
func (s *Sink) Complete(ctx context.Context, lead *model.Lead) []Outcome {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}

	calls := []func(context.Context, *model.Lead) Outcome{s.Persist, s.Notify, s.Mirror}
	outcomes := make([]Outcome, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		cp := *lead
		g.Go(func() error {
			outcomes[i] = call(ctx, &cp)
			return nil
		})
	}
	_ = g.Wait()

	s.report("lead delivered", lead, outcomes)
	return outcomes
}

// BookConsultation marks the latest lead for the user as scheduled and posts
// the consultation_request webhook.
func (s *Sink) BookConsultation(ctx context.Context, lead *model.Lead) []Outcome {
	outcomes := make([]Outcome, 3)

	var g errgroup.Group
	g.Go(func() error {
		if s.store == nil {
			outcomes[0] = skipped(SinkStore)
			return nil
		}
		outcomes[0] = s.call(ctx, SinkStore, s.cfg.StoreTimeout, func(ctx context.Context) error {
			return s.store.UpdateLeadStatus(ctx, lead.TelegramID, model.LeadStatusScheduled)
		})
		return nil
	})
	g.Go(func() error {
		if s.notifier == nil || !s.notifier.Enabled() {
			outcomes[1] = skipped(SinkWebhook)
			return nil
		}
		outcomes[1] = s.call(ctx, SinkWebhook, s.cfg.WebhookTimeout, func(ctx context.Context) error {
			return s.notifier.Send(ctx, notify.ConsultationPayload(lead))
		})
		return nil
	})
	g.Go(func() error {
		if s.mirror == nil {
			outcomes[2] = skipped(SinkNotion)
			return nil
		}
		outcomes[2] = s.call(ctx, SinkNotion, s.cfg.MirrorTimeout, func(ctx context.Context) error {
			return s.mirror.SetStatus(ctx, lead.TelegramID, model.LeadStatusScheduled)
		})
		return nil
	})
	_ = g.Wait()

	s.report("consultation booked", lead, outcomes)
	return outcomes
}

// report logs every outcome of one delivery in a single place.
func (s *Sink) report(msg string, lead *model.Lead, outcomes []Outcome) {
	fields := []zap.Field{
		zap.Int64("telegram_id", lead.TelegramID),
		zap.String("segment", lead.Segment),
	}
	failed := 0
	for _, o := range outcomes {
		fields = append(fields, zap.String(o.Sink, o.Kind()))
		if !o.OK() {
			failed++
			s.log.Error("leadsink: "+o.Sink+" failed",
				zap.Int64("telegram_id", lead.TelegramID),
				zap.String("kind", o.Kind()),
				zap.Duration("duration", o.Duration),
				zap.Error(o.Err),
			)
		}
	}
	if failed > 0 {
		s.log.Warn(msg+" with failures", append(fields, zap.Int("failed", failed))...)
		return
	}
	s.log.Info(msg, fields...)
}

// Go runs fn in the background, detached from the caller's cancellation.
// Calls sharing a key run one after another in submission order, so a
// booking never reaches the store ahead of the lead it updates. Wait blocks
// until every such call returns.
func (s *Sink) Go(ctx context.Context, key int64, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			close(done)
			s.mu.Lock()
			if s.tails[key] == done {
				delete(s.tails, key)
			}
			s.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		fn(ctx)
	}()
}

// Wait blocks until background deliveries finish or ctx ends.
func (s *Sink) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Breakers reports each sink's breaker state.
func (s *Sink) Breakers() map[string]string {
	return s.breakers.States()
}
