// Package notify posts lead events to an outbound automation webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-bot/internal/config"
	"github.com/sells-group/intake-bot/internal/model"
	"github.com/sells-group/intake-bot/internal/resilience"
)

// EventType is the webhook "event" field.
type EventType string

const (
	EventNewLead             EventType = "new_lead"
	EventConsultationRequest EventType = "consultation_request"
)

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Event       EventType `json:"event"`
	TelegramID  int64     `json:"telegram_id"`
	FirstName   string    `json:"first_name"`
	PhoneNumber string    `json:"phone_number"`
	Segment     string    `json:"segment"`
	Cost        string    `json:"cost_estimate,omitempty"`
	Duration    string    `json:"time_estimate,omitempty"`
	CompletedAt string    `json:"completed_at,omitempty"`
}

// NewLeadPayload builds the payload sent when a funnel completes.
func NewLeadPayload(l *model.Lead) Payload {
	return Payload{
		Event:       EventNewLead,
		TelegramID:  l.TelegramID,
		FirstName:   l.Name,
		PhoneNumber: l.Phone,
		Segment:     l.Segment,
		Cost:        l.Cost,
		Duration:    l.Duration,
		CompletedAt: stamp(l.CompletedAt),
	}
}

// ConsultationPayload builds the payload sent when a lead books a consultation.
// It repeats the estimates so the receiver can act on either event alone.
func ConsultationPayload(l *model.Lead) Payload {
	p := NewLeadPayload(l)
	p.Event = EventConsultationRequest
	return p
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// Webhook posts payloads to a single URL. A Webhook with no URL is a no-op.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a notifier from config.
func NewWebhook(cfg config.WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a URL is configured.
func (w *Webhook) Enabled() bool { return w.url != "" }

// Send posts p once. Non-2xx answers come back as *resilience.StatusError.
func (w *Webhook) Send(ctx context.Context, p Payload) error {
	log := zap.L().With(zap.String("component", "notify.webhook"), zap.String("event", string(p.Event)))
	if !w.Enabled() {
		log.Debug("webhook not configured, skipping")
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: post")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info("webhook delivered", zap.Int64("telegram_id", p.TelegramID))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusGone {
		log.Error("webhook removed or deactivated; create a new one and update webhook.url",
			zap.Int("status", resp.StatusCode),
		)
	} else {
		log.Warn("webhook returned unexpected status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet),
		)
	}
	return eris.Wrap(&resilience.StatusError{Sink: "webhook", Code: resp.StatusCode}, "notify: post")
}
