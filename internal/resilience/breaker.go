// Package resilience keeps a failing lead sink from stalling every completion.
// Nothing here retries: a sink either answers within its deadline or the
// attempt is recorded as failed.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// State is the position of a breaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the cooldown passes.
	Open
	// HalfOpen lets exactly one probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the sink while its breaker is open.
var ErrOpen = eris.New("resilience: breaker open")

// BreakerConfig tunes a breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker. Default 5.
	Threshold int
	// Cooldown is how long an open breaker waits before allowing a probe. Default 30s.
	Cooldown time.Duration
	// Counts reports whether err counts as a sink failure. Nil counts
	// everything except caller cancellation.
	Counts func(err error) bool
	// OnChange observes transitions. It is called with the breaker lock held
	// and must not call back into the breaker.
	OnChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Counts == nil {
		c.Counts = countsAsFailure
	}
	return c
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker guards a single sink.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a closed breaker for the named sink.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
}

// Name returns the sink name.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open. The error from fn is returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err)
	return err
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.moveTo(HalfOpen)
		b.probing = true
		return true, nil
	case HalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err == nil {
		b.failures = 0
		if b.state != Closed {
			b.moveTo(Closed)
		}
		return
	}
	if !b.cfg.Counts(err) {
		return
	}

	b.failures++
	switch {
	case b.state == HalfOpen:
		b.open()
	case b.state == Closed && b.failures >= b.cfg.Threshold:
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.moveTo(Open)
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnChange != nil {
		b.cfg.OnChange(b.name, from, to)
	}
}

// Set holds one breaker per sink, created on first use with a shared config.
type Set struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet(cfg BreakerConfig) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the named sink, creating it if needed.
func (s *Set) Get(name string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, s.cfg)
	s.breakers[name] = b
	return b
}

// States snapshots every breaker's state for the health endpoint.
func (s *Set) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State().String()
	}
	return out
}
