package model

import "time"

// LeadStatus tracks follow-up on a lead.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusScheduled LeadStatus = "scheduled"
)

// Lead is the snapshot written once a session completes. Only Status changes afterwards.
type Lead struct {
	ID          string     `json:"id"`
	CompletedAt time.Time  `json:"completed_at"`
	TelegramID  int64      `json:"telegram_id"`
	Username    string     `json:"username"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Answers     Answers    `json:"answers"`
	Segment     string     `json:"segment"`
	Cost        string     `json:"cost_estimate"`
	Duration    string     `json:"time_estimate"`
	Status      LeadStatus `json:"status"`
}

// AnswerColumns returns answers in AnswerKeys order, "" for unanswered keys.
func (l Lead) AnswerColumns() []string {
	cols := make([]string, len(AnswerKeys))
	for i, k := range AnswerKeys {
		cols[i] = l.Answers.Value(k)
	}
	return cols
}

// Event is one analytics record.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	Name       string    `json:"name"`
	Event      string    `json:"event"`
	Details    string    `json:"details"`
}

// UserRecord is a row of the all-users registry.
type UserRecord struct {
	FirstSeen       time.Time `json:"first_seen"`
	TelegramID      int64     `json:"telegram_id"`
	Username        string    `json:"username"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	CompletedFunnel bool      `json:"completed_funnel"`
	Status          string    `json:"status"`
}

// User registry statuses.
const (
	UserStatusStarted   = "started"
	UserStatusCompleted = "completed"
)
