// Package monitoring runs background health probes and sweeps and reports
// the result on the liveness endpoint.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Sweep is periodic housekeeping that reports how many items it removed.
type Sweep struct {
	Name string
	Run  func() int
}

// Report is the body of the health endpoint.
type Report struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Checks   map[string]string `json:"checks,omitempty"`
	Sinks    map[string]string `json:"sinks,omitempty"`
	Degraded []string          `json:"degraded,omitempty"`
}

// Checker runs probes and sweeps in the background.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	probes   []Probe
	sweeps   []Sweep
	breakers func() map[string]string
	degraded []string
	started  time.Time

	mu   sync.RWMutex
	last map[string]string
	now  func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithProbe adds a dependency probe.
func WithProbe(name string, check func(ctx context.Context) error) Option {
	return func(c *Checker) { c.probes = append(c.probes, Probe{Name: name, Check: check}) }
}

// WithSweep adds periodic housekeeping.
func WithSweep(name string, run func() int) Option {
	return func(c *Checker) { c.sweeps = append(c.sweeps, Sweep{Name: name, Run: run}) }
}

// WithBreakers reports sink breaker states alongside probe results.
func WithBreakers(fn func() map[string]string) Option {
	return func(c *Checker) { c.breakers = fn }
}

// WithDegraded lists sinks that are not configured and run as no-ops.
func WithDegraded(sinks []string) Option {
	return func(c *Checker) { c.degraded = sinks }
}

// NewChecker creates a Checker. A non-positive interval defaults to one minute.
func NewChecker(interval time.Duration, opts ...Option) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	c := &Checker{
		interval: interval,
		timeout:  5 * time.Second,
		started:  time.Now(),
		last:     make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks once immediately and then on every tick. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", c.interval),
		zap.Int("probes", len(c.probes)),
		zap.Int("sweeps", len(c.sweeps)),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs every probe and sweep once.
func (c *Checker) Check(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	results := make(map[string]string, len(c.probes))
	for _, p := range c.probes {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := p.Check(pctx)
		cancel()
		if err != nil {
			results[p.Name] = "error: " + err.Error()
			log.Warn("monitoring: probe failed", zap.String("probe", p.Name), zap.Error(err))
			continue
		}
		results[p.Name] = "ok"
	}

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()

	for _, s := range c.sweeps {
		if n := s.Run(); n > 0 {
			log.Debug("monitoring: sweep removed items", zap.String("sweep", s.Name), zap.Int("removed", n))
		}
	}
}

// Report summarizes the latest probe results. Status is "degraded" when a
// probe failed or a sink breaker is open.
func (c *Checker) Report() Report {
	r := Report{
		Status: "ok",
		Uptime: c.now().Sub(c.started).Truncate(time.Second).String(),
	}

	c.mu.RLock()
	if len(c.last) > 0 {
		r.Checks = make(map[string]string, len(c.last))
		for k, v := range c.last {
			r.Checks[k] = v
			if v != "ok" {
				r.Status = "degraded"
			}
		}
	}
	c.mu.RUnlock()

	if c.breakers != nil {
		r.Sinks = c.breakers()
		for _, state := range r.Sinks {
			if state == "open" {
				r.Status = "degraded"
			}
		}
	}
	if len(c.degraded) > 0 {
		r.Degraded = append([]string(nil), c.degraded...)
		sort.Strings(r.Degraded)
	}
	return r
}
