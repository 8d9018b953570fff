// Package telegram adapts the Bot API to the funnel's renderer and event model.
package telegram

import (
	"context"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/intake-bot/internal/config"
	"github.com/sells-group/intake-bot/internal/funnel"
	"github.com/sells-group/intake-bot/internal/messages"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Bot renders funnel output through the Bot API. Outbound calls share one rate limiter.
type Bot struct {
	api     API
	limiter *rate.Limiter
	log     *zap.Logger
}

var _ funnel.Renderer = (*Bot)(nil)

// Dial authenticates against the Bot API and returns a ready Bot.
func Dial(cfg config.TelegramConfig) (*Bot, error) {
	// Long polls hold the connection for PollTimeout seconds.
	client := &http.Client{Timeout: time.Duration(cfg.PollTimeout)*time.Second + 15*time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, client)
	if err != nil {
		return nil, eris.Wrap(err, "telegram: connect")
	}
	b := New(api, cfg.SendRateLimit)
	b.log.Info("authorized", zap.String("bot", api.Self.UserName))
	return b, nil
}

// New wraps an API client. rps <= 0 disables send throttling.
func New(api API, rps float64) *Bot {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Bot{
		api:     api,
		limiter: rate.NewLimiter(limit, burst),
		log:     zap.L().With(zap.String("component", "telegram")),
	}
}

func (b *Bot) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "telegram: rate limit")
	}
	return nil
}

func (b *Bot) send(ctx context.Context, op string, c tgbotapi.Chattable) (int, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	msg, err := b.api.Send(c)
	if err != nil {
		return 0, eris.Wrapf(err, "telegram: %s", op)
	}
	return msg.MessageID, nil
}

func inlineKeyboard(buttons []messages.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, btn := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Token)))
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func htmlMessage(chatID int64, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	return msg
}

// SendText sends a plain HTML message.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	return b.send(ctx, "send text", htmlMessage(chatID, text))
}

// SendButtons sends a message with one inline button per row.
func (b *Bot) SendButtons(ctx context.Context, chatID int64, text string, buttons []messages.Button) (int, error) {
	msg := htmlMessage(chatID, text)
	if len(buttons) > 0 {
		msg.ReplyMarkup = inlineKeyboard(buttons)
	}
	return b.send(ctx, "send buttons", msg)
}

// SendContactRequest shows a one-time keyboard with a share-phone button.
func (b *Bot) SendContactRequest(ctx context.Context, chatID int64, text, label string) (int, error) {
	msg := htmlMessage(chatID, text)
	kb := tgbotapi.NewOneTimeReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact(label)))
	kb.ResizeKeyboard = true
	msg.ReplyMarkup = kb
	return b.send(ctx, "send contact request", msg)
}

// EditMessage replaces the text and inline buttons of an earlier message.
// An empty button list removes the keyboard.
func (b *Bot) EditMessage(ctx context.Context, chatID int64, messageID int, text string, buttons []messages.Button) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	if len(buttons) > 0 {
		kb := inlineKeyboard(buttons)
		edit.ReplyMarkup = &kb
	}
	if _, err := b.api.Request(edit); err != nil {
		if notModified(err) {
			return nil
		}
		return eris.Wrap(err, "telegram: edit message")
	}
	return nil
}

// RemoveKeyboard sends text and hides the custom reply keyboard.
func (b *Bot) RemoveKeyboard(ctx context.Context, chatID int64, text string) (int, error) {
	msg := htmlMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	return b.send(ctx, "remove keyboard", msg)
}

// AnswerCallback stops the client's loading indicator on a pressed button.
func (b *Bot) AnswerCallback(ctx context.Context, callbackID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, "")); err != nil {
		return eris.Wrap(err, "telegram: answer callback")
	}
	return nil
}

// notModified matches the API error for an edit that changes nothing, which
// happens when a user double-taps a button.
func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
