package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-bot/internal/config"
	"github.com/sells-group/intake-bot/internal/funnel"
	"github.com/sells-group/intake-bot/internal/messages"
	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/notify"
	"github.com/sells-group/intake-bot/internal/store"
)

type nopRenderer struct {
	mu   sync.Mutex
	next int
	text []string
}

func (r *nopRenderer) record(text string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.text = append(r.text, text)
	return r.next, nil
}

func (r *nopRenderer) SendText(_ context.Context, _ int64, text string) (int, error) {
	return r.record(text)
}

func (r *nopRenderer) SendButtons(_ context.Context, _ int64, text string, _ []messages.Button) (int, error) {
	return r.record(text)
}

func (r *nopRenderer) SendContactRequest(_ context.Context, _ int64, text, _ string) (int, error) {
	return r.record(text)
}

func (r *nopRenderer) EditMessage(_ context.Context, _ int64, _ int, text string, _ []messages.Button) error {
	_, err := r.record(text)
	return err
}

func (r *nopRenderer) RemoveKeyboard(_ context.Context, _ int64, text string) (int, error) {
	return r.record(text)
}

func (r *nopRenderer) AnswerCallback(context.Context, string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Telegram.Token = "123:abc"
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "intake.db")
	c.Store.Timeout = 5 * time.Second
	c.Webhook.Timeout = 2 * time.Second
	c.Session.Backend = "memory"
	c.Session.TTL = time.Hour
	c.Reminder.StallDelay = time.Hour
	c.Reminder.PhoneDelay = time.Hour
	c.EventLog.QueueSize = 64
	c.Server.Port = 10000
	return c
}

func runFunnel(t *testing.T, m *funnel.Machine) {
	t.Helper()
	ctx := context.Background()
	p := model.Profile{UserID: 7, Username: "olena", FirstName: "Олена"}

	require.NoError(t, m.Dispatch(ctx, funnel.Event{Kind: funnel.KindStart, Profile: p, ChatID: 70}))
	for _, tok := range []string{model.TokenStartQuiz, "q1_no", "q2_yes", "q3_no", "q4_ukraine", "q5_low"} {
		require.NoError(t, m.Dispatch(ctx, funnel.Event{Kind: funnel.KindAction, Profile: p, ChatID: 70, Token: tok, MessageID: 1}))
	}
	require.NoError(t, m.Dispatch(ctx, funnel.Event{Kind: funnel.KindContact, Profile: p, ChatID: 70, Contact: funnel.Contact{Phone: "+380501112233"}}))
}

func TestInitApp_DeliversLeadToStoreAndWebhook(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []notify.Payload
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg = testConfig(t)
	cfg.Webhook.URL = hook.URL
	cfg.Debug = true // deliver inline so the test can read the result

	ctx := context.Background()
	a, err := initApp(ctx, &nopRenderer{})
	require.NoError(t, err)

	runFunnel(t, a.machine)

	leads, err := a.store.ListLeads(ctx, store.LeadFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "A", leads[0].Segment)
	assert.Equal(t, "+380501112233", leads[0].Phone)

	mu.Lock()
	require.Len(t, payloads, 1)
	assert.Equal(t, notify.EventNewLead, payloads[0].Event)
	mu.Unlock()

	a.checker.Check(ctx)
	report := a.checker.Report()
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "ok", report.Checks["store"])
	assert.Contains(t, report.Degraded, "notion")

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	a.Close(closeCtx)
}

func TestInitApp_NoDatabaseRunsDegraded(t *testing.T) {
	cfg = testConfig(t)
	cfg.Store.DatabaseURL = ""

	ctx := context.Background()
	r := &nopRenderer{}
	a, err := initApp(ctx, r)
	require.NoError(t, err)
	defer a.Close(ctx)

	_, isNop := a.store.(store.Nop)
	assert.True(t, isNop)

	runFunnel(t, a.machine)
	require.NoError(t, a.sink.Wait(ctx))

	report := a.checker.Report()
	assert.ElementsMatch(t, []string{"store", "webhook", "notion", "admin"}, report.Degraded)
	assert.NotEmpty(t, r.text)
}

func TestInitApp_RedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg = testConfig(t)
	cfg.Session.Backend = "redis"
	cfg.Session.RedisURL = "redis://" + mr.Addr()

	ctx := context.Background()
	a, err := initApp(ctx, &nopRenderer{})
	require.NoError(t, err)
	defer a.Close(ctx)

	require.NoError(t, a.machine.Dispatch(ctx, funnel.Event{
		Kind:    funnel.KindStart,
		Profile: model.Profile{UserID: 9},
		ChatID:  90,
	}))
	assert.True(t, mr.Exists("intake:session:9"))

	a.checker.Check(ctx)
	assert.Equal(t, "ok", a.checker.Report().Checks["redis"])
}

func TestInitApp_BadRedisURL(t *testing.T) {
	cfg = testConfig(t)
	cfg.Session.Backend = "redis"
	cfg.Session.RedisURL = "not-a-url"

	_, err := initApp(context.Background(), &nopRenderer{})
	require.Error(t, err)
}
