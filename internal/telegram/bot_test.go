package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/intake-bot/internal/config"
	"github.com/sells-group/intake-bot/internal/messages"
)

type call struct {
	method string
	form   url.Values
}

// fakeAPI is a minimal Bot API server. Methods listed in fail answer with
// ok=false and the given description.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []call
	nextID  int
	fail    map[string]string
	updates [][]tgbotapi.Update
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

		f.mu.Lock()
		f.calls = append(f.calls, call{method: method, form: r.PostForm})
		desc, failing := f.fail[method]
		f.nextID++
		id := f.nextID
		var batch []tgbotapi.Update
		if method == "getUpdates" && len(f.updates) > 0 {
			batch, f.updates = f.updates[0], f.updates[1:]
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if failing {
			fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":%q}`, desc)
			return
		}
		var result any
		switch method {
		case "getMe":
			result = map[string]any{"id": 1, "is_bot": true, "first_name": "Intake", "username": "intake_bot"}
		case "getUpdates":
			if batch == nil {
				// stand-in for the server holding an empty long poll
				time.Sleep(10 * time.Millisecond)
				batch = []tgbotapi.Update{}
			}
			result = batch
		case "answerCallbackQuery":
			result = true
		default:
			result = map[string]any{"message_id": id, "date": 0, "chat": map[string]any{"id": 70, "type": "private"}}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result}))
	})
}

func (f *fakeAPI) byMethod(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestBot(t *testing.T, f *fakeAPI) *Bot {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	b, err := Dial(config.TelegramConfig{
		Token:       "123:abc",
		APIEndpoint: srv.URL + "/bot%s/%s",
		PollTimeout: 1,
	})
	require.NoError(t, err)
	return b
}

func TestDialCallsGetMe(t *testing.T) {
	f := &fakeAPI{}
	newTestBot(t, f)
	assert.Len(t, f.byMethod("getMe"), 1)
}

func TestDialFailsOnBadToken(t *testing.T) {
	f := &fakeAPI{fail: map[string]string{"getMe": "Unauthorized"}}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	_, err := Dial(config.TelegramConfig{Token: "bad", APIEndpoint: srv.URL + "/bot%s/%s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestSendButtonsOnePerRow(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f)

	id, err := b.SendButtons(context.Background(), 70, "<b>Питання</b>", []messages.Button{
		{Token: "q1_yes", Label: "Так"},
		{Token: "q1_no", Label: "Ні"},
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	sends := f.byMethod("sendMessage")
	require.Len(t, sends, 1)
	form := sends[0].form
	assert.Equal(t, "70", form.Get("chat_id"))
	assert.Equal(t, "HTML", form.Get("parse_mode"))

	var markup tgbotapi.InlineKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(form.Get("reply_markup")), &markup))
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, "Так", markup.InlineKeyboard[0][0].Text)
	require.NotNil(t, markup.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, "q1_no", *markup.InlineKeyboard[1][0].CallbackData)
}

func TestSendContactRequest(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f)

	_, err := b.SendContactRequest(context.Background(), 70, "Номер?", "📱 Поділитися номером")
	require.NoError(t, err)

	var kb tgbotapi.ReplyKeyboardMarkup
	require.NoError(t, json.Unmarshal([]byte(f.byMethod("sendMessage")[0].form.Get("reply_markup")), &kb))
	assert.True(t, kb.OneTimeKeyboard)
	assert.True(t, kb.ResizeKeyboard)
	require.Len(t, kb.Keyboard, 1)
	assert.True(t, kb.Keyboard[0][0].RequestContact)
}

func TestRemoveKeyboard(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f)

	_, err := b.RemoveKeyboard(context.Background(), 70, "Результат")
	require.NoError(t, err)
	assert.Contains(t, f.byMethod("sendMessage")[0].form.Get("reply_markup"), `"remove_keyboard":true`)
}

func TestEditMessage(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f)

	require.NoError(t, b.EditMessage(context.Background(), 70, 5, "Дякуємо", nil))

	edits := f.byMethod("editMessageText")
	require.Len(t, edits, 1)
	assert.Equal(t, "5", edits[0].form.Get("message_id"))
	assert.Empty(t, edits[0].form.Get("reply_markup"))
}

func TestEditMessageNotModifiedIsSuccess(t *testing.T) {
	f := &fakeAPI{fail: map[string]string{"editMessageText": "Bad Request: message is not modified"}}
	b := newTestBot(t, f)

	assert.NoError(t, b.EditMessage(context.Background(), 70, 5, "same", nil))
}

func TestEditMessageError(t *testing.T) {
	f := &fakeAPI{fail: map[string]string{"editMessageText": "Bad Request: message to edit not found"}}
	b := newTestBot(t, f)

	err := b.EditMessage(context.Background(), 70, 5, "x", []messages.Button{{Token: "a", Label: "A"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram: edit message")
}

func TestAnswerCallback(t *testing.T) {
	f := &fakeAPI{}
	b := newTestBot(t, f)

	require.NoError(t, b.AnswerCallback(context.Background(), "cb-1"))
	calls := f.byMethod("answerCallbackQuery")
	require.Len(t, calls, 1)
	assert.Equal(t, "cb-1", calls[0].form.Get("callback_query_id"))
}

func TestSendErrorIsWrapped(t *testing.T) {
	f := &fakeAPI{fail: map[string]string{"sendMessage": "Forbidden: bot was blocked by the user"}}
	b := newTestBot(t, f)

	_, err := b.SendText(context.Background(), 70, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestRateLimitHonorsContext(t *testing.T) {
	b := New(nil, 0.001)
	// First token is available immediately; the second would take far longer than the deadline.
	require.NoError(t, b.wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.SendText(ctx, 70, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
