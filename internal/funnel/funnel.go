// Package funnel drives a user through the qualification questionnaire.
//
// Every inbound action and every fired reminder for a user goes through the
// same per-user dispatcher, so handlers see a consistent session and never
// interleave. Reminders re-check the session when they fire; a reminder whose
// condition no longer holds is dropped silently.
package funnel

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/leadsink"
	"github.com/sells-group/intake-bot/internal/messages"
	"github.com/sells-group/intake-bot/internal/metrics"
	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/reminder"
	"github.com/sells-group/intake-bot/internal/session"
)

// Kind identifies what arrived from the user or the scheduler.
type Kind int

const (
	KindStart Kind = iota
	KindAction
	KindContact
	KindText
	KindReminder
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindAction:
		return "action"
	case KindContact:
		return "contact"
	case KindText:
		return "text"
	case KindReminder:
		return "reminder"
	default:
		return "unknown"
	}
}

// Contact is a shared phone number.
type Contact struct {
	Phone     string
	FirstName string
	LastName  string
}

// Event is one input to the machine.
type Event struct {
	Kind    Kind
	Profile model.Profile
	ChatID  int64

	// Action
	Token      string
	CallbackID string
	MessageID  int

	Contact Contact
	Text    string
	Fired   reminder.Fired
}

// Renderer is the outbound chat transport.
type Renderer interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	SendButtons(ctx context.Context, chatID int64, text string, buttons []messages.Button) (int, error)
	SendContactRequest(ctx context.Context, chatID int64, text, label string) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, buttons []messages.Button) error
	RemoveKeyboard(ctx context.Context, chatID int64, text string) (int, error)
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Scheduler is the part of reminder.Scheduler the machine drives.
type Scheduler interface {
	Schedule(userID int64, class model.ReminderClass, delay time.Duration, state model.FunnelState)
	CancelAll(userID int64)
	Cancel(userID int64, class model.ReminderClass)
}

// EventLog records analytics. *eventlog.Logger satisfies it.
type EventLog interface {
	Log(p model.Profile, name, event, details string)
	TrackUser(p model.Profile)
	MarkCompleted(userID int64)
}

// LeadSink delivers finished leads. *leadsink.Sink satisfies it.
type LeadSink interface {
	Complete(ctx context.Context, lead *model.Lead) []leadsink.Outcome
	BookConsultation(ctx context.Context, lead *model.Lead) []leadsink.Outcome
	Go(ctx context.Context, key int64, fn func(ctx context.Context))
}

// Config tunes the machine.
type Config struct {
	StallDelay  time.Duration
	PhoneDelay  time.Duration
	AdminChatID int64
	// Debug delivers leads synchronously and reports sink failures to the user.
	Debug bool
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Sessions   session.Registry
	Dispatcher *session.Dispatcher
	Renderer   Renderer
	Reminders  Scheduler
	Events     EventLog
	Sink       LeadSink
	Copy       *messages.Catalog
}

// Machine is the funnel state machine.
type Machine struct {
	cfg Config
	Deps
	now func() time.Time
	log *zap.Logger
}

// New creates a Machine. Copy defaults to the embedded catalog and
// Dispatcher to an in-process one.
func New(cfg Config, deps Deps) *Machine {
	if deps.Copy == nil {
		deps.Copy = messages.Default()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = session.NewDispatcher()
	}
	if cfg.StallDelay <= 0 {
		cfg.StallDelay = time.Hour
	}
	if cfg.PhoneDelay <= 0 {
		cfg.PhoneDelay = 15 * time.Minute
	}
	return &Machine{
		cfg:  cfg,
		Deps: deps,
		now:  time.Now,
		log:  zap.L().With(zap.String("component", "funnel")),
	}
}

// Dispatch handles one event under the user's lock.
func (m *Machine) Dispatch(ctx context.Context, ev Event) error {
	userID := ev.Profile.UserID
	if ev.Kind == KindReminder {
		userID = ev.Fired.UserID
	}

	err := m.Dispatcher.Do(ctx, userID, func(ctx context.Context) error {
		metrics.SetActive(m.Dispatcher.Active())
		return m.handle(ctx, ev)
	})
	metrics.SetActive(m.Dispatcher.Active())
	if err != nil {
		return eris.Wrapf(err, "funnel: %s for user %d", ev.Kind, userID)
	}
	return nil
}

// OnReminder is the reminder.Handler. It routes the fired reminder through
// the dispatcher like any other event.
func (m *Machine) OnReminder(f reminder.Fired) {
	if err := m.Dispatch(context.Background(), Event{Kind: KindReminder, Fired: f}); err != nil {
		m.log.Error("funnel: reminder dispatch failed",
			zap.Int64("user_id", f.UserID),
			zap.String("class", string(f.Class)),
			zap.Error(err),
		)
	}
}

func (m *Machine) handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindStart:
		return m.start(ctx, ev)
	case KindAction:
		return m.action(ctx, ev)
	case KindContact:
		return m.contact(ctx, ev)
	case KindText:
		return m.text(ctx, ev)
	case KindReminder:
		return m.remind(ctx, ev.Fired)
	default:
		m.log.Warn("unknown event kind", zap.Int("kind", int(ev.Kind)))
		return nil
	}
}

// load returns the user's session, or nil when there is none.
func (m *Machine) load(ctx context.Context, userID int64) (*model.Session, error) {
	s, err := m.Sessions.Get(ctx, userID)
	if eris.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "funnel: load session")
	}
	return s, nil
}

func (m *Machine) save(ctx context.Context, s *model.Session) error {
	if err := m.Sessions.Save(ctx, s); err != nil {
		return eris.Wrap(err, "funnel: save session")
	}
	return nil
}

// transport logs a failed outbound call. The funnel keeps going.
func (m *Machine) transport(op string, userID int64, err error) {
	if err == nil {
		return
	}
	metrics.RecordTransportError(op)
	m.log.Warn("funnel: transport "+op+" failed", zap.Int64("user_id", userID), zap.Error(err))
}
