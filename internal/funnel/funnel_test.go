package funnel

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-bot/internal/leadsink"
	"github.com/sells-group/intake-bot/internal/messages"
	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/reminder"
	"github.com/sells-group/intake-bot/internal/session"
	"github.com/sells-group/intake-bot/internal/store"
)

type sent struct {
	kind    string
	chatID  int64
	msgID   int
	text    string
	buttons []messages.Button
}

type fakeRenderer struct {
	mu       sync.Mutex
	next     int
	out      []sent
	editErr  error
	answered []string
}

func (r *fakeRenderer) push(kind string, chatID int64, msgID int, text string, buttons []messages.Button) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msgID == 0 {
		r.next++
		msgID = r.next
	}
	r.out = append(r.out, sent{kind: kind, chatID: chatID, msgID: msgID, text: text, buttons: buttons})
	return msgID
}

func (r *fakeRenderer) SendText(_ context.Context, chatID int64, text string) (int, error) {
	return r.push("text", chatID, 0, text, nil), nil
}

func (r *fakeRenderer) SendButtons(_ context.Context, chatID int64, text string, b []messages.Button) (int, error) {
	return r.push("buttons", chatID, 0, text, b), nil
}

func (r *fakeRenderer) SendContactRequest(_ context.Context, chatID int64, text, _ string) (int, error) {
	return r.push("contact", chatID, 0, text, nil), nil
}

func (r *fakeRenderer) EditMessage(_ context.Context, chatID int64, msgID int, text string, b []messages.Button) error {
	if r.editErr != nil {
		return r.editErr
	}
	r.push("edit", chatID, msgID, text, b)
	return nil
}

func (r *fakeRenderer) RemoveKeyboard(_ context.Context, chatID int64, text string) (int, error) {
	return r.push("remove_keyboard", chatID, 0, text, nil), nil
}

func (r *fakeRenderer) AnswerCallback(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answered = append(r.answered, id)
	return nil
}

func (r *fakeRenderer) sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.out...)
}

func (r *fakeRenderer) last() sent {
	out := r.sent()
	if len(out) == 0 {
		return sent{}
	}
	return out[len(out)-1]
}

// lastIn returns the newest message in one chat.
func (r *fakeRenderer) lastIn(chatID int64) sent {
	out := r.sent()
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].chatID == chatID {
			return out[i]
		}
	}
	return sent{}
}

type fakeScheduler struct {
	mu      sync.Mutex
	pending map[int64]map[model.ReminderClass]model.FunnelState
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: map[int64]map[model.ReminderClass]model.FunnelState{}}
}

func (s *fakeScheduler) Schedule(userID int64, class model.ReminderClass, _ time.Duration, state model.FunnelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[userID] == nil {
		s.pending[userID] = map[model.ReminderClass]model.FunnelState{}
	}
	s.pending[userID][class] = state
}

func (s *fakeScheduler) CancelAll(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userID)
}

func (s *fakeScheduler) Cancel(userID int64, class model.ReminderClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending[userID], class)
}

func (s *fakeScheduler) get(userID int64, class model.ReminderClass) (model.FunnelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.pending[userID][class]
	return st, ok
}

type fakeEvents struct {
	mu        sync.Mutex
	events    []string
	tracked   []int64
	completed []int64
}

func (e *fakeEvents) Log(_ model.Profile, _ string, event, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *fakeEvents) TrackUser(p model.Profile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracked = append(e.tracked, p.UserID)
}

func (e *fakeEvents) MarkCompleted(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, id)
}

func (e *fakeEvents) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type fakeSink struct {
	mu       sync.Mutex
	leads    []model.Lead
	bookings []model.Lead
}

func (s *fakeSink) Complete(_ context.Context, l *model.Lead) []leadsink.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads = append(s.leads, *l)
	return nil
}

func (s *fakeSink) BookConsultation(_ context.Context, l *model.Lead) []leadsink.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings = append(s.bookings, *l)
	return nil
}

// Go runs inline so tests observe deliveries without waiting.
func (s *fakeSink) Go(ctx context.Context, _ int64, fn func(ctx context.Context)) { fn(ctx) }

type harness struct {
	m        *Machine
	sessions *session.Memory
	render   *fakeRenderer
	sched    *fakeScheduler
	events   *fakeEvents
	sink     *fakeSink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sessions: session.NewMemory(time.Hour),
		render:   &fakeRenderer{},
		sched:    newFakeScheduler(),
		events:   &fakeEvents{},
		sink:     &fakeSink{},
	}
	h.m = New(cfg, Deps{
		Sessions:  h.sessions,
		Renderer:  h.render,
		Reminders: h.sched,
		Events:    h.events,
		Sink:      h.sink,
	})
	h.m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

var olena = model.Profile{UserID: 7, Username: "olena", FirstName: "Олена"}

const chat = int64(70)

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Dispatch(context.Background(), Event{Kind: KindStart, Profile: olena, ChatID: chat}))
}

func (h *harness) press(t *testing.T, token string) {
	t.Helper()
	ev := Event{Kind: KindAction, Profile: olena, ChatID: chat, Token: token, CallbackID: "cb-" + token, MessageID: h.render.lastIn(chat).msgID}
	require.NoError(t, h.m.Dispatch(context.Background(), ev))
}

func (h *harness) share(t *testing.T, phone string) {
	t.Helper()
	ev := Event{Kind: KindContact, Profile: olena, ChatID: chat, Contact: Contact{Phone: phone, FirstName: "Олена", LastName: "Коваль"}}
	require.NoError(t, h.m.Dispatch(context.Background(), ev))
}

func (h *harness) session(t *testing.T) *model.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), olena.UserID)
	require.NoError(t, err)
	return s
}

func TestFunnelSegments(t *testing.T) {
	tests := []struct {
		name    string
		tokens  []string
		segment string
		cost    string
	}{
		{"uncontested", []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"}, "A", "3500-5000 грн"},
		{"contested", []string{"q1_yes", "q2_no", "q3_no", "q4_ukraine", "q5_medium"}, "B", "12000 грн"},
		{"property", []string{"q1_yes", "q2_no", "q3_yes", "q4_ukraine", "q5_high"}, "C", "15000-30000 грн"},
		{"abroad", []string{"q1_yes", "q2_unknown", "q3_unsure", "q4_abroad", "q5_unknown"}, "D", "10000-15000 грн"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.start(t)
			h.press(t, model.TokenStartQuiz)
			for _, tok := range tt.tokens {
				h.press(t, tok)
			}
			assert.Equal(t, model.StateAwaitingPhone, h.session(t).State)

			h.share(t, " +380501112233 ")

			s := h.session(t)
			assert.Equal(t, model.StateCompleted, s.State)
			assert.Equal(t, tt.segment, s.Segment)
			assert.Equal(t, "+380501112233", s.Phone)
			assert.Equal(t, "Олена Коваль", s.Name)

			require.Len(t, h.sink.leads, 1)
			lead := h.sink.leads[0]
			assert.Equal(t, tt.segment, lead.Segment)
			assert.Equal(t, tt.cost, lead.Cost)
			assert.Equal(t, "@olena", lead.Username)
			assert.Len(t, lead.Answers, 5)

			out := h.render.sent()
			require.GreaterOrEqual(t, len(out), 2)
			assert.Equal(t, "remove_keyboard", out[len(out)-2].kind)
			assert.Contains(t, out[len(out)-2].text, tt.cost)
			assert.Equal(t, []messages.Button{{Token: model.TokenBookConsultation, Label: h.m.Copy.BookButton}}, out[len(out)-1].buttons)

			_, pending := h.sched.get(olena.UserID, model.ReminderMissingPhone)
			assert.False(t, pending)
			_, pending = h.sched.get(olena.UserID, model.ReminderStalledFunnel)
			assert.False(t, pending)
		})
	}
}

func TestFunnelEventsInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		h.press(t, tok)
	}
	h.share(t, "+380501112233")
	h.press(t, model.TokenBookConsultation)

	assert.Equal(t, []string{
		"start", "quiz_started",
		"q1_answered", "q2_answered", "q3_answered", "q4_answered", "q5_answered",
		"phone_shared", "consultation_booked",
	}, h.events.names())
	assert.Equal(t, []int64{olena.UserID}, h.events.tracked)
	assert.Equal(t, []int64{olena.UserID}, h.events.completed)
}

func TestQuestionsEditThePressedMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	welcome := h.render.last()
	require.Equal(t, "buttons", welcome.kind)

	h.press(t, model.TokenStartQuiz)
	edit := h.render.last()
	assert.Equal(t, "edit", edit.kind)
	assert.Equal(t, welcome.msgID, edit.msgID)
	assert.Contains(t, edit.text, "1 з 5")
	assert.Equal(t, []string{"cb-start_quiz"}, h.render.answered)
	assert.Equal(t, welcome.msgID, h.session(t).LastMessageID)
}

func TestEditFailureFallsBackToNewMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.render.editErr = errors.New("message to edit not found")

	h.press(t, model.TokenStartQuiz)

	last := h.render.last()
	assert.Equal(t, "buttons", last.kind)
	assert.Contains(t, last.text, "1 з 5")
	assert.Equal(t, last.msgID, h.session(t).LastMessageID)
	assert.Equal(t, model.StateQ1, h.session(t).State)
}

func TestInvalidTokenIsNoOp(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	h.press(t, "q1_yes")
	before := len(h.render.sent())

	h.press(t, "q1_no") // stale button from the previous question
	h.press(t, "q4_abroad")
	h.press(t, model.TokenBookConsultation)

	s := h.session(t)
	assert.Equal(t, model.StateQ2, s.State)
	assert.Equal(t, "yes", s.Answers.Value(model.KeyHasChildren))
	assert.Len(t, s.Answers, 1)
	assert.Len(t, h.render.sent(), before)
	assert.Empty(t, h.sink.bookings)
}

func TestActionWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.m.Dispatch(context.Background(), Event{Kind: KindAction, Profile: olena, ChatID: chat, Token: "q1_yes", CallbackID: "cb"}))

	last := h.render.last()
	assert.Equal(t, "text", last.kind)
	assert.Equal(t, h.m.Copy.NotUnderstood, last.text)
	assert.Equal(t, []string{"cb"}, h.render.answered)
}

func TestStartResetsMidFunnel(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	h.press(t, "q1_yes")
	h.press(t, "q2_no")

	h.start(t)

	s := h.session(t)
	assert.Equal(t, model.StateAwaitingStart, s.State)
	assert.Empty(t, s.Answers)
	st, ok := h.sched.get(olena.UserID, model.ReminderStalledFunnel)
	assert.True(t, ok)
	assert.Equal(t, model.StateAwaitingStart, st)
}

func TestPhoneStepSchedulesMissingPhone(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine"} {
		h.press(t, tok)
	}
	st, ok := h.sched.get(olena.UserID, model.ReminderStalledFunnel)
	require.True(t, ok)
	assert.Equal(t, model.StateQ5, st)

	h.press(t, "q5_low")

	assert.Equal(t, "contact", h.render.last().kind)
	_, ok = h.sched.get(olena.UserID, model.ReminderStalledFunnel)
	assert.False(t, ok)
	st, ok = h.sched.get(olena.UserID, model.ReminderMissingPhone)
	assert.True(t, ok)
	assert.Equal(t, model.StateAwaitingPhone, st)
}

func TestTextInput(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.m.Dispatch(context.Background(), Event{Kind: KindText, Profile: olena, ChatID: chat, Text: "привіт"}))
	assert.Equal(t, h.m.Copy.NotUnderstood, h.render.last().text)

	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		h.press(t, tok)
	}
	require.NoError(t, h.m.Dispatch(context.Background(), Event{Kind: KindText, Profile: olena, ChatID: chat, Text: "0501112233"}))

	last := h.render.last()
	assert.Equal(t, "contact", last.kind)
	assert.Equal(t, h.m.Copy.PhoneRequest, last.text)
	assert.Equal(t, model.StateAwaitingPhone, h.session(t).State)
}

func TestContactOutsidePhoneStepIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)

	h.share(t, "+380501112233")

	s := h.session(t)
	assert.Equal(t, model.StateQ1, s.State)
	assert.Empty(t, s.Phone)
	assert.Empty(t, h.sink.leads)
}

func TestBookingOnlyOnce(t *testing.T) {
	h := newHarness(t, Config{AdminChatID: 900})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		h.press(t, tok)
	}
	h.share(t, "+380501112233")
	offer := h.render.lastIn(chat)
	require.Equal(t, h.m.Copy.BookButtons(), offer.buttons)

	h.press(t, model.TokenBookConsultation)
	h.press(t, model.TokenBookConsultation)

	require.Len(t, h.sink.bookings, 1)
	assert.Equal(t, "+380501112233", h.sink.bookings[0].Phone)
	assert.True(t, h.session(t).ConsultationRequested)

	var edits, admin int
	for _, s := range h.render.sent() {
		if s.kind == "edit" && s.msgID == offer.msgID {
			edits++
			assert.Contains(t, s.text, "+380501112233")
			assert.Empty(t, s.buttons)
		}
		if s.chatID == 900 {
			admin++
		}
	}
	assert.Equal(t, 1, edits)
	assert.Equal(t, 2, admin) // new lead + consultation
}

func TestStallReminderResendsCurrentQuestion(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	h.press(t, "q1_yes")

	h.m.OnReminder(reminder.Fired{UserID: olena.UserID, Class: model.ReminderStalledFunnel, State: model.StateQ2})

	last := h.render.last()
	assert.Equal(t, "buttons", last.kind)
	assert.True(t, strings.HasPrefix(last.text, h.m.Copy.Reminder(model.ReminderStalledFunnel)))
	assert.Contains(t, last.text, "2 з 5")
	assert.Equal(t, last.msgID, h.session(t).LastMessageID)
	assert.Contains(t, h.events.names(), "reminder_sent")
}

func TestStaleRemindersAreDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		h.press(t, tok)
	}
	h.share(t, "+380501112233")
	before := len(h.render.sent())

	h.m.OnReminder(reminder.Fired{UserID: olena.UserID, Class: model.ReminderStalledFunnel, State: model.StateQ3})
	h.m.OnReminder(reminder.Fired{UserID: olena.UserID, Class: model.ReminderMissingPhone, State: model.StateAwaitingPhone})
	h.m.OnReminder(reminder.Fired{UserID: 999, Class: model.ReminderStalledFunnel, State: model.StateQ1})

	assert.Len(t, h.render.sent(), before)
	assert.NotContains(t, h.events.names(), "reminder_sent")
}

func TestMissingPhoneReminder(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		h.press(t, tok)
	}

	h.m.OnReminder(reminder.Fired{UserID: olena.UserID, Class: model.ReminderMissingPhone, State: model.StateAwaitingPhone})

	last := h.render.last()
	assert.Equal(t, "contact", last.kind)
	assert.Equal(t, h.m.Copy.Reminder(model.ReminderMissingPhone), last.text)
}

func TestAbandonedFunnelGetsOneReminder(t *testing.T) {
	h := newHarness(t, Config{StallDelay: 50 * time.Millisecond, PhoneDelay: 50 * time.Millisecond})
	sched := reminder.New(h.m.OnReminder)
	t.Cleanup(sched.Close)
	h.m.Reminders = sched

	h.start(t)
	h.press(t, model.TokenStartQuiz)
	h.press(t, "q1_yes")

	reminders := func() int {
		n := 0
		for _, ev := range h.events.names() {
			if ev == "reminder_sent" {
				n++
			}
		}
		return n
	}
	assert.Eventually(t, func() bool { return reminders() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, reminders())
	assert.Zero(t, sched.Len())
}

func TestDebugModeReportsSinkFailures(t *testing.T) {
	store := &failingStore{err: errors.New("disk full")}
	sink := leadsink.New(leadsink.Config{}, store, nil, nil)

	h := newHarness(t, Config{Debug: true})
	h.m.Sink = sink

	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		h.press(t, tok)
	}
	h.share(t, "+380501112233")

	out := h.render.sent()
	require.GreaterOrEqual(t, len(out), 3)
	assert.Equal(t, "remove_keyboard", out[len(out)-3].kind)
	assert.Equal(t, "buttons", out[len(out)-2].kind)
	debug := out[len(out)-1]
	assert.Equal(t, "text", debug.kind)
	assert.Contains(t, debug.text, "store")
	assert.Contains(t, debug.text, "disk full")
	assert.Equal(t, model.StateCompleted, h.session(t).State)
}

type slowLeadStore struct {
	*store.SQLiteStore
	delay time.Duration
}

func (s slowLeadStore) AppendLead(ctx context.Context, l *model.Lead) error {
	time.Sleep(s.delay)
	return s.SQLiteStore.AppendLead(ctx, l)
}

func TestBookingWaitsForSlowLeadWrite(t *testing.T) {
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	sink := leadsink.New(leadsink.Config{}, slowLeadStore{SQLiteStore: db, delay: 50 * time.Millisecond}, nil, nil)
	h := newHarness(t, Config{})
	h.m.Sink = sink

	h.start(t)
	h.press(t, model.TokenStartQuiz)
	for _, tok := range []string{"q1_yes", "q2_no", "q3_no", "q4_ukraine", "q5_medium"} {
		h.press(t, tok)
	}
	h.share(t, "+380501112233")
	h.press(t, model.TokenBookConsultation)
	require.NoError(t, sink.Wait(context.Background()))

	leads, err := db.ListLeads(context.Background(), store.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, model.LeadStatusScheduled, leads[0].Status)
}

type failingStore struct{ err error }

func (f *failingStore) AppendLead(context.Context, *model.Lead) error { return f.err }
func (f *failingStore) UpdateLeadStatus(context.Context, int64, model.LeadStatus) error {
	return f.err
}

func TestLeadName(t *testing.T) {
	tests := []struct {
		name    string
		contact Contact
		profile model.Profile
		want    string
	}{
		{"contact", Contact{FirstName: " Іван ", LastName: "Петренко"}, model.Profile{FirstName: "Ivan"}, "Іван Петренко"},
		{"profile", Contact{}, model.Profile{FirstName: "Ivan", LastName: "  P  "}, "Ivan P"},
		{"fallback", Contact{}, model.Profile{}, model.FallbackName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, leadName(tt.contact, tt.profile))
		})
	}
}

func TestLeadNameNormalizesComposedForms(t *testing.T) {
	// й typed as и plus a combining breve
	decomposed := "Андрі\u0438\u0306"
	assert.Equal(t, "Андрій", leadName(Contact{FirstName: decomposed}, model.Profile{}))
}
