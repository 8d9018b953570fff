// Package eventlog records funnel analytics and the user registry off the
// request path. Writes never block the caller and never return errors.
package eventlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/metrics"
	"github.com/sells-group/intake-bot/internal/model"
)

// Writer is the storage the logger drains into. store.Store satisfies it.
type Writer interface {
	AppendEvents(ctx context.Context, events []model.Event) error
	TouchUser(ctx context.Context, user model.UserRecord) error
	MarkUserCompleted(ctx context.Context, telegramID int64) error
}

type opKind int

const (
	opEvent opKind = iota
	opTouch
	opComplete
)

type op struct {
	kind  opKind
	event model.Event
	user  model.UserRecord
}

func (o op) userID() int64 {
	if o.kind == opEvent {
		return o.event.TelegramID
	}
	return o.user.TelegramID
}

// Option configures a Logger.
type Option func(*Logger)

// WithQueueSize bounds the number of pending records. Default 1024.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.size = n
		}
	}
}

// WithBatch sets how many events are written per call and how often a
// partial batch is flushed.
func WithBatch(size int, every time.Duration) Option {
	return func(l *Logger) {
		if size > 0 {
			l.batch = size
		}
		if every > 0 {
			l.flushEvery = every
		}
	}
}

// WithWriteTimeout bounds each storage call. Default 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// Logger queues records for a single background worker.
type Logger struct {
	w          Writer
	size       int
	batch      int
	flushEvery time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan op
	done   chan struct{}
}

// New starts the worker. Call Close to drain and stop it.
func New(w Writer, opts ...Option) *Logger {
	l := &Logger{
		w:          w,
		size:       1024,
		batch:      64,
		flushEvery: time.Second,
		timeout:    10 * time.Second,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "eventlog")),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan op, l.size)
	go l.run()
	return l
}

// Log appends one analytics record for the user.
func (l *Logger) Log(p model.Profile, name, event, details string) {
	metrics.RecordStep(event)
	l.enqueue(op{kind: opEvent, event: model.Event{
		Timestamp:  l.now().UTC(),
		TelegramID: p.UserID,
		Username:   p.Handle(),
		Name:       name,
		Event:      event,
		Details:    details,
	}})
}

// TrackUser upserts the user registry row. First-seen is kept by the store.
func (l *Logger) TrackUser(p model.Profile) {
	l.enqueue(op{kind: opTouch, user: model.UserRecord{
		FirstSeen:  l.now().UTC(),
		TelegramID: p.UserID,
		Username:   p.Handle(),
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Status:     model.UserStatusStarted,
	}})
}

// MarkCompleted flips the completed-funnel flag for the user.
func (l *Logger) MarkCompleted(userID int64) {
	l.enqueue(op{kind: opComplete, user: model.UserRecord{TelegramID: userID}})
}

func (l *Logger) enqueue(o op) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.log.Warn("eventlog closed, dropping record", zap.Int64("telegram_id", o.userID()))
		metrics.RecordDropped()
		return
	}
	select {
	case l.queue <- o:
	default:
		l.log.Warn("eventlog queue full, dropping record",
			zap.Int("queue_size", l.size),
			zap.Int64("telegram_id", o.userID()),
		)
		metrics.RecordDropped()
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()

	pending := make([]model.Event, 0, l.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		l.write("append events", func(ctx context.Context) error {
			return l.w.AppendEvents(ctx, pending)
		}, zap.Int("count", len(pending)))
		pending = make([]model.Event, 0, l.batch)
	}

	for {
		select {
		case o, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			switch o.kind {
			case opEvent:
				pending = append(pending, o.event)
				if len(pending) >= l.batch {
					flush()
				}
			case opTouch:
				l.write("touch user", func(ctx context.Context) error {
					return l.w.TouchUser(ctx, o.user)
				}, zap.Int64("telegram_id", o.user.TelegramID))
			case opComplete:
				l.write("mark completed", func(ctx context.Context) error {
					return l.w.MarkUserCompleted(ctx, o.user.TelegramID)
				}, zap.Int64("telegram_id", o.user.TelegramID))
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *Logger) write(what string, fn func(ctx context.Context) error, fields ...zap.Field) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		l.log.Error("eventlog: "+what+" failed", append(fields, zap.Error(err))...)
	}
}
