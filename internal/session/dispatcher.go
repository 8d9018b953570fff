package session

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// Locker coordinates per-user work across replicas.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Dispatcher runs work for one user at a time. Entries are reference counted and
// dropped once no caller holds or waits on them.
type Dispatcher struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry

	locker  Locker
	lockTTL time.Duration
	log     *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLocker adds cross-process locking on top of the in-process lock.
func WithLocker(l Locker, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.locker = l
		d.lockTTL = ttl
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		locks:   make(map[int64]*lockEntry),
		lockTTL: 30 * time.Second,
		log:     zap.L().With(zap.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) acquire(userID int64) *lockEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.locks[userID]
	if !ok {
		e = &lockEntry{}
		d.locks[userID] = e
	}
	e.refs++
	return e
}

func (d *Dispatcher) release(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.locks[userID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(d.locks, userID)
	}
}

// Do runs fn while holding the user's lock.
func (d *Dispatcher) Do(ctx context.Context, userID int64, fn func(context.Context) error) error {
	e := d.acquire(userID)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		d.release(userID)
	}()

	if d.locker != nil {
		unlock, err := d.locker.Lock(ctx, lockKey(userID), d.lockTTL)
		if err != nil {
			return eris.Wrapf(err, "dispatcher: lock user %d", userID)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				d.log.Warn("release distributed lock failed, will expire via TTL",
					zap.Int64("user_id", userID), zap.Error(err))
			}
		}()
	}

	return fn(ctx)
}

// Active reports how many users currently hold or wait on a lock.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
