package funnel

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/leadsink"
	"github.com/sells-group/intake-bot/internal/metrics"
	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/reminder"
	"github.com/sells-group/intake-bot/internal/segment"
)

// start resets the user to a fresh session and shows the welcome prompt.
func (m *Machine) start(ctx context.Context, ev Event) error {
	uid := ev.Profile.UserID
	m.Reminders.CancelAll(uid)

	s := model.NewSession(ev.Profile, ev.ChatID, m.now().UTC())
	m.Events.TrackUser(ev.Profile)
	m.Events.Log(ev.Profile, profileName(ev.Profile), model.EventStart, "")

	id, err := m.Renderer.SendButtons(ctx, s.ChatID, m.Copy.Welcome, m.Copy.StartButtons())
	m.transport("send welcome", uid, err)
	s.LastMessageID = id

	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.Reminders.Schedule(uid, model.ReminderStalledFunnel, m.cfg.StallDelay, s.State)
	return nil
}

// action applies a button press. Tokens that are not legal in the current
// state leave the session untouched.
func (m *Machine) action(ctx context.Context, ev Event) error {
	uid := ev.Profile.UserID
	if ev.CallbackID != "" {
		m.transport("answer callback", uid, m.Renderer.AnswerCallback(ctx, ev.CallbackID))
	}

	s, err := m.load(ctx, uid)
	if err != nil {
		return err
	}
	if s == nil {
		_, err := m.Renderer.SendText(ctx, ev.ChatID, m.Copy.NotUnderstood)
		m.transport("send not understood", uid, err)
		return nil
	}

	if ev.Token == model.TokenBookConsultation {
		return m.book(ctx, s, ev)
	}

	from := s.State
	var next model.FunnelState
	details := ""
	switch {
	case from == model.StateAwaitingStart && ev.Token == model.TokenStartQuiz:
		next = model.StateQ1
	case from.IsQuestion():
		q, _ := model.QuestionFor(from)
		value, ok := q.Answer(ev.Token)
		if !ok {
			m.ignore(uid, from, ev.Token)
			return nil
		}
		s.Answers.Set(q.Key, value)
		details = value
		next = q.Next
	default:
		m.ignore(uid, from, ev.Token)
		return nil
	}

	s.State = next
	m.Events.Log(s.Profile, profileName(s.Profile), from.AnsweredEvent(), details)

	if next == model.StateAwaitingPhone {
		m.Reminders.Cancel(uid, model.ReminderStalledFunnel)
		id, err := m.Renderer.SendContactRequest(ctx, s.ChatID, m.Copy.PhoneRequest, m.Copy.PhoneButton)
		m.transport("send contact request", uid, err)
		if id != 0 {
			s.LastMessageID = id
		}
		if err := m.save(ctx, s); err != nil {
			return err
		}
		m.Reminders.Schedule(uid, model.ReminderMissingPhone, m.cfg.PhoneDelay, next)
		return nil
	}

	m.showQuestion(ctx, s, ev.MessageID)
	if err := m.save(ctx, s); err != nil {
		return err
	}
	m.Reminders.Schedule(uid, model.ReminderStalledFunnel, m.cfg.StallDelay, next)
	return nil
}

func (m *Machine) ignore(uid int64, state model.FunnelState, token string) {
	m.log.Debug("ignoring action not legal in state",
		zap.Int64("user_id", uid),
		zap.String("state", string(state)),
		zap.String("token", token),
	)
}

// showQuestion edits the pressed message into the next question, falling back
// to a new message when the edit fails.
func (m *Machine) showQuestion(ctx context.Context, s *model.Session, messageID int) {
	text, buttons, ok := m.Copy.Question(s.State)
	if !ok {
		return
	}
	if messageID == 0 {
		messageID = s.LastMessageID
	}
	if messageID != 0 {
		err := m.Renderer.EditMessage(ctx, s.ChatID, messageID, text, buttons)
		if err == nil {
			s.LastMessageID = messageID
			return
		}
		m.transport("edit question", s.UserID, err)
	}
	id, err := m.Renderer.SendButtons(ctx, s.ChatID, text, buttons)
	m.transport("send question", s.UserID, err)
	if id != 0 {
		s.LastMessageID = id
	}
}

// contact completes the funnel. A phone shared in any other state is ignored.
func (m *Machine) contact(ctx context.Context, ev Event) error {
	uid := ev.Profile.UserID
	s, err := m.load(ctx, uid)
	if err != nil {
		return err
	}
	if s == nil || s.State != model.StateAwaitingPhone {
		m.log.Debug("ignoring contact outside phone step", zap.Int64("user_id", uid))
		return nil
	}
	phone := strings.TrimSpace(ev.Contact.Phone)
	if phone == "" {
		return nil
	}

	m.Reminders.CancelAll(uid)

	now := m.now().UTC()
	res := segment.ClassifyAnswers(s.Answers)
	s.Phone = phone
	s.Name = leadName(ev.Contact, s.Profile)
	s.CompletedAt = &now
	s.Segment, s.Cost, s.Duration = res.Segment, res.Cost, res.Duration
	s.State = model.StateCompleted
	if err := m.save(ctx, s); err != nil {
		return err
	}

	m.Events.Log(s.Profile, s.Name, model.EventPhoneShared, res.Segment)
	m.Events.MarkCompleted(uid)
	metrics.RecordLead(res.Segment)

	_, err = m.Renderer.RemoveKeyboard(ctx, s.ChatID, m.Copy.Result(res.Segment, res.Cost, res.Duration))
	m.transport("send result", uid, err)
	_, err = m.Renderer.SendButtons(ctx, s.ChatID, m.Copy.Offer, m.Copy.BookButtons())
	m.transport("send offer", uid, err)

	lead := s.Lead()
	m.deliver(ctx, s.UserID, s.ChatID, func(ctx context.Context) []leadsink.Outcome {
		l := lead
		return m.Sink.Complete(ctx, &l)
	})
	m.notifyAdmin(ctx, m.Copy.AdminNewLead(&lead))
	return nil
}

// book handles the consultation button under the offer. Repeat presses are no-ops.
func (m *Machine) book(ctx context.Context, s *model.Session, ev Event) error {
	if s.State != model.StateCompleted || s.ConsultationRequested {
		m.ignore(s.UserID, s.State, ev.Token)
		return nil
	}
	s.ConsultationRequested = true
	if err := m.save(ctx, s); err != nil {
		return err
	}

	m.Events.Log(s.Profile, s.Name, model.EventConsultationBooked, s.Segment)

	text := m.Copy.BookingConfirmation(s.Phone)
	if ev.MessageID != 0 {
		if err := m.Renderer.EditMessage(ctx, s.ChatID, ev.MessageID, text, nil); err != nil {
			m.transport("edit offer", s.UserID, err)
			_, err = m.Renderer.SendText(ctx, s.ChatID, text)
			m.transport("send booking confirmation", s.UserID, err)
		}
	} else {
		_, err := m.Renderer.SendText(ctx, s.ChatID, text)
		m.transport("send booking confirmation", s.UserID, err)
	}

	lead := s.Lead()
	m.deliver(ctx, s.UserID, s.ChatID, func(ctx context.Context) []leadsink.Outcome {
		l := lead
		return m.Sink.BookConsultation(ctx, &l)
	})
	m.notifyAdmin(ctx, m.Copy.AdminConsultation(&lead))
	return nil
}

// deliver runs a sink call after the user has their answer, behind any earlier
// delivery for the same user. In debug mode it runs inline and failures are
// reported back into the chat.
func (m *Machine) deliver(ctx context.Context, userID, chatID int64, fn func(ctx context.Context) []leadsink.Outcome) {
	if !m.cfg.Debug {
		m.Sink.Go(ctx, userID, func(ctx context.Context) { fn(ctx) })
		return
	}
	for _, o := range leadsink.Failed(fn(ctx)) {
		_, err := m.Renderer.SendText(ctx, chatID, m.Copy.DebugFailure(o.Sink, o.Err.Error()))
		m.transport("send debug report", chatID, err)
	}
}

func (m *Machine) notifyAdmin(ctx context.Context, text string) {
	if m.cfg.AdminChatID == 0 {
		return
	}
	_, err := m.Renderer.SendText(ctx, m.cfg.AdminChatID, text)
	m.transport("notify admin", m.cfg.AdminChatID, err)
}

// text answers free-form messages. While waiting for a phone the contact
// request is shown again; anywhere else the user is pointed at /start.
func (m *Machine) text(ctx context.Context, ev Event) error {
	uid := ev.Profile.UserID
	s, err := m.load(ctx, uid)
	if err != nil {
		return err
	}
	if s != nil && s.State == model.StateAwaitingPhone {
		_, err := m.Renderer.SendContactRequest(ctx, s.ChatID, m.Copy.PhoneRequest, m.Copy.PhoneButton)
		m.transport("send contact request", uid, err)
		return nil
	}
	_, err = m.Renderer.SendText(ctx, ev.ChatID, m.Copy.NotUnderstood)
	m.transport("send not understood", uid, err)
	return nil
}

// remind delivers a fired reminder if its condition still holds.
func (m *Machine) remind(ctx context.Context, f reminder.Fired) error {
	s, err := m.load(ctx, f.UserID)
	if err != nil {
		return err
	}
	if !stillDue(s, f) {
		metrics.RecordReminder(string(f.Class), false)
		m.log.Debug("reminder no longer due",
			zap.Int64("user_id", f.UserID),
			zap.String("class", string(f.Class)),
		)
		return nil
	}

	nudge := m.Copy.Reminder(f.Class)
	var id int
	switch f.Class {
	case model.ReminderMissingPhone:
		id, err = m.Renderer.SendContactRequest(ctx, s.ChatID, nudge, m.Copy.PhoneButton)
	default:
		buttons := m.Copy.StartButtons()
		if text, qb, ok := m.Copy.Question(s.State); ok {
			nudge += "\n\n" + text
			buttons = qb
		}
		id, err = m.Renderer.SendButtons(ctx, s.ChatID, nudge, buttons)
	}
	if err != nil {
		m.transport("send reminder", f.UserID, err)
		return nil
	}

	metrics.RecordReminder(string(f.Class), true)
	m.Events.Log(s.Profile, profileName(s.Profile), model.EventReminderSent, string(f.Class))
	if id != 0 && f.Class == model.ReminderStalledFunnel {
		s.LastMessageID = id
		return m.save(ctx, s)
	}
	return nil
}

// stillDue re-validates a fired reminder against the current session.
func stillDue(s *model.Session, f reminder.Fired) bool {
	if s == nil {
		return false
	}
	switch f.Class {
	case model.ReminderStalledFunnel:
		return s.State == f.State && (s.State == model.StateAwaitingStart || s.State.IsQuestion())
	case model.ReminderMissingPhone:
		return s.State == model.StateAwaitingPhone && s.Phone == ""
	default:
		return false
	}
}
