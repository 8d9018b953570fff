// Package reminder schedules one-shot per-user nudges.
package reminder

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/model"
)

// Fired is delivered to the handler when a reminder's delay elapses.
// State is the funnel state captured when the reminder was scheduled.
type Fired struct {
	UserID  int64
	Class   model.ReminderClass
	State   model.FunnelState
	FiredAt time.Time
}

// Handler receives fired reminders. It runs on the timer goroutine.
type Handler func(Fired)

type key struct {
	userID int64
	class  model.ReminderClass
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler keeps at most one live reminder per (user, class).
type Scheduler struct {
	mu      sync.Mutex
	pending map[key]entry
	gen     uint64
	closed  bool
	running sync.WaitGroup

	handler Handler
	log     *zap.Logger
}

// New creates a Scheduler that delivers fired reminders to h.
func New(h Handler) *Scheduler {
	return &Scheduler{
		pending: make(map[key]entry),
		handler: h,
		log:     zap.L().With(zap.String("component", "reminder")),
	}
}

// Schedule registers a reminder, replacing any live one of the same class for the user.
func (s *Scheduler) Schedule(userID int64, class model.ReminderClass, delay time.Duration, state model.FunnelState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	k := key{userID: userID, class: class}
	if prev, ok := s.pending[k]; ok {
		prev.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.pending[k] = entry{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { s.fire(k, gen, state) }),
	}

	s.log.Debug("reminder scheduled",
		zap.Int64("user_id", userID),
		zap.String("class", string(class)),
		zap.String("state", string(state)),
		zap.Duration("delay", delay),
	)
}

// Cancel removes the user's pending reminder of the given class, if any.
func (s *Scheduler) Cancel(userID int64, class model.ReminderClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(key{userID: userID, class: class})
}

// CancelAll removes every pending reminder for the user.
func (s *Scheduler) CancelAll(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, class := range model.ReminderClasses {
		s.cancelLocked(key{userID: userID, class: class})
	}
}

func (s *Scheduler) cancelLocked(k key) {
	if e, ok := s.pending[k]; ok {
		e.timer.Stop()
		delete(s.pending, k)
	}
}

// Pending reports whether a reminder of the class is live for the user.
func (s *Scheduler) Pending(userID int64, class model.ReminderClass) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key{userID: userID, class: class}]
	return ok
}

// Len returns the number of live reminders.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops every timer and waits for handlers already running. Later
// calls to Schedule are ignored. Close must not be called from a Handler.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for k, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, k)
	}
	s.closed = true
	s.mu.Unlock()

	s.running.Wait()
}

// fire delivers a reminder unless it was replaced or canceled after the timer started.
func (s *Scheduler) fire(k key, gen uint64, state model.FunnelState) {
	s.mu.Lock()
	e, ok := s.pending[k]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, k)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	s.handler(Fired{UserID: k.userID, Class: k.class, State: state, FiredAt: time.Now()})
}
