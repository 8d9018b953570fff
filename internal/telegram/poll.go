package telegram

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/intake-bot/internal/funnel"
	"github.com/sells-group/intake-bot/internal/metrics"
	"github.com/sells-group/intake-bot/internal/model"
)

// Dispatcher consumes translated updates. *funnel.Machine satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev funnel.Event) error
}

// PollConfig tunes the long-poll loop.
type PollConfig struct {
	Timeout     int // seconds the server holds each getUpdates call
	Concurrency int
	MaxBackoff  time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Timeout <= 0 {
		c.Timeout = 60
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 64
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

type pollResult struct {
	updates []tgbotapi.Update
	err     error
}

// Poll long-polls for updates and dispatches them until ctx is canceled.
// Different users are served concurrently; one user's updates are dispatched
// one after another in update order. Poll waits for in-flight dispatches
// before returning.
func (b *Bot) Poll(ctx context.Context, d Dispatcher, cfg PollConfig) error {
	cfg = cfg.withDefaults()

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)

	queue := newUserQueue()
	offset := 0
	backoff := time.Second
	for {
		ch := make(chan pollResult, 1)
		req := tgbotapi.UpdateConfig{
			Offset:         offset,
			Timeout:        cfg.Timeout,
			AllowedUpdates: []string{"message", "callback_query"},
		}
		go func() {
			updates, err := b.api.GetUpdates(req)
			ch <- pollResult{updates: updates, err: err}
		}()

		var res pollResult
		select {
		case <-ctx.Done():
			b.log.Info("polling stopped")
			return g.Wait()
		case res = <-ch:
		}

		if res.err != nil {
			metrics.RecordTransportError("get updates")
			b.log.Warn("telegram: get updates failed", zap.Duration("retry_in", backoff), zap.Error(res.err))
			select {
			case <-ctx.Done():
				return g.Wait()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, cfg.MaxBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range res.updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
		for _, batch := range groupByUser(res.updates) {
			prev, done := queue.next(batch.userID)
			g.Go(func() error {
				defer queue.finish(batch.userID, done)
				if prev != nil {
					<-prev
				}
				for _, ev := range batch.events {
					if err := d.Dispatch(ctx, ev); err != nil {
						b.log.Error("telegram: dispatch failed",
							zap.Int64("user_id", ev.Profile.UserID),
							zap.Stringer("kind", ev.Kind),
							zap.Error(err),
						)
					}
				}
				return nil
			})
		}
	}
}

type userBatch struct {
	userID int64
	events []funnel.Event
}

// groupByUser splits updates into per-user batches, keeping each user's
// updates in arrival order. Batches are ordered by first appearance.
func groupByUser(updates []tgbotapi.Update) []*userBatch {
	var out []*userBatch
	idx := make(map[int64]*userBatch)
	for _, u := range updates {
		ev, ok := ToEvent(u)
		if !ok {
			continue
		}
		ub, ok := idx[ev.Profile.UserID]
		if !ok {
			ub = &userBatch{userID: ev.Profile.UserID}
			idx[ev.Profile.UserID] = ub
			out = append(out, ub)
		}
		ub.events = append(ub.events, ev)
	}
	return out
}

// userQueue chains a user's batches so a later getUpdates batch never
// overtakes an earlier one still being dispatched.
type userQueue struct {
	mu    sync.Mutex
	tails map[int64]chan struct{}
}

func newUserQueue() *userQueue {
	return &userQueue{tails: make(map[int64]chan struct{})}
}

// next returns the channel closed when the user's previous batch finishes
// (nil if none is pending) and the channel to close when this batch finishes.
func (q *userQueue) next(userID int64) (<-chan struct{}, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.tails[userID]
	done := make(chan struct{})
	q.tails[userID] = done
	return prev, done
}

func (q *userQueue) finish(userID int64, done chan struct{}) {
	close(done)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tails[userID] == done {
		delete(q.tails, userID)
	}
}

// ToEvent translates an update into a funnel event. Updates the funnel has no
// use for (edits, channel posts, stickers) report false.
func ToEvent(u tgbotapi.Update) (funnel.Event, bool) {
	if cb := u.CallbackQuery; cb != nil {
		if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
			return funnel.Event{}, false
		}
		return funnel.Event{
			Kind:       funnel.KindAction,
			Profile:    profile(cb.From),
			ChatID:     cb.Message.Chat.ID,
			Token:      cb.Data,
			CallbackID: cb.ID,
			MessageID:  cb.Message.MessageID,
		}, true
	}

	msg := u.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return funnel.Event{}, false
	}
	ev := funnel.Event{Profile: profile(msg.From), ChatID: msg.Chat.ID}
	switch {
	case msg.Contact != nil:
		ev.Kind = funnel.KindContact
		ev.Contact = funnel.Contact{
			Phone:     msg.Contact.PhoneNumber,
			FirstName: msg.Contact.FirstName,
			LastName:  msg.Contact.LastName,
		}
	case msg.IsCommand() && msg.Command() == "start":
		ev.Kind = funnel.KindStart
	case msg.Text != "":
		ev.Kind = funnel.KindText
		ev.Text = msg.Text
	default:
		return funnel.Event{}, false
	}
	return ev, true
}

func profile(u *tgbotapi.User) model.Profile {
	return model.Profile{
		UserID:    u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
