package store

import (
	"context"

	"github.com/sells-group/intake-bot/internal/model"
)

// LeadFilter specifies criteria for listing leads.
type LeadFilter struct {
	Segment string           `json:"segment,omitempty"`
	Status  model.LeadStatus `json:"status,omitempty"`
	Limit   int              `json:"limit,omitempty"`
}

// Store defines the persistence interface for leads, analytics, and the user registry.
type Store interface {
	// Leads
	AppendLead(ctx context.Context, lead *model.Lead) error
	UpdateLeadStatus(ctx context.Context, telegramID int64, status model.LeadStatus) error
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)

	// Analytics
	AppendEvents(ctx context.Context, events []model.Event) error

	// User registry
	TouchUser(ctx context.Context, user model.UserRecord) error
	MarkUserCompleted(ctx context.Context, telegramID int64) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Table names.
const (
	TableLeads     = "leads"
	TableAnalytics = "analytics"
	TableAllUsers  = "all_users"
)

// leadColumns is the fixed column order of the leads table after id.
var leadColumns = []string{
	"completed_at", "telegram_id", "username", "name", "phone",
	"has_children", "spouse_consent", "property_dispute", "spouse_location", "budget",
	"segment", "cost_estimate", "time_estimate", "status",
}

var analyticsColumns = []string{"id", "timestamp", "telegram_id", "username", "name", "event", "details"}

var userColumns = []string{"first_seen", "telegram_id", "username", "first_name", "last_name", "completed_funnel", "status"}

// leadArgs flattens a lead into leadColumns order.
func leadArgs(l *model.Lead) []any {
	args := []any{l.CompletedAt, l.TelegramID, l.Username, l.Name, l.Phone}
	for _, v := range l.AnswerColumns() {
		args = append(args, v)
	}
	return append(args, l.Segment, l.Cost, l.Duration, string(l.Status))
}

func eventRow(id string, e model.Event) []any {
	return []any{id, e.Timestamp, e.TelegramID, e.Username, e.Name, e.Event, e.Details}
}

func userArgs(u model.UserRecord) []any {
	return []any{u.FirstSeen, u.TelegramID, u.Username, u.FirstName, u.LastName, u.CompletedFunnel, u.Status}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (model.Lead, error) {
	var l model.Lead
	var status string
	answers := make([]string, len(model.AnswerKeys))
	dest := []any{&l.ID, &l.CompletedAt, &l.TelegramID, &l.Username, &l.Name, &l.Phone}
	for i := range answers {
		dest = append(dest, &answers[i])
	}
	dest = append(dest, &l.Segment, &l.Cost, &l.Duration, &status)

	if err := row.Scan(dest...); err != nil {
		return l, err
	}
	for i, k := range model.AnswerKeys {
		if answers[i] != "" {
			l.Answers.Set(k, answers[i])
		}
	}
	l.Status = model.LeadStatus(status)
	return l, nil
}
