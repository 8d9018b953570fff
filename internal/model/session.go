package model

import "time"

// FallbackName is used when neither the shared contact nor the profile carries a name.
const FallbackName = "Клієнт"

// Profile identifies a chat user as reported by the transport.
type Profile struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Handle returns the @-prefixed username, or "" when the user has none.
func (p Profile) Handle() string {
	if p.Username == "" {
		return ""
	}
	return "@" + p.Username
}

// Answer is one recorded question answer.
type Answer struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Answers keeps answers in the order they were given.
type Answers []Answer

// Get returns the answer recorded under key.
func (a Answers) Get(key string) (string, bool) {
	for _, ans := range a {
		if ans.Key == key {
			return ans.Value, true
		}
	}
	return "", false
}

// Value returns the answer under key or "".
func (a Answers) Value(key string) string {
	v, _ := a.Get(key)
	return v
}

// Set records value under key, replacing an earlier answer in place.
func (a *Answers) Set(key, value string) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Answer{Key: key, Value: value})
}

// Session is one user's traversal of the funnel.
type Session struct {
	Profile
	ChatID        int64       `json:"chat_id"`
	State         FunnelState `json:"state"`
	Answers       Answers     `json:"answers"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Segment       string      `json:"segment,omitempty"`
	Cost          string      `json:"cost,omitempty"`
	Duration      string      `json:"duration,omitempty"`
	Name          string      `json:"name,omitempty"`
	Phone         string      `json:"phone,omitempty"`
	LastMessageID int         `json:"last_message_id,omitempty"`

	ConsultationRequested bool `json:"consultation_requested,omitempty"`
}

// NewSession starts a fresh traversal for the user.
func NewSession(p Profile, chatID int64, now time.Time) *Session {
	return &Session{
		Profile:   p,
		ChatID:    chatID,
		State:     StateAwaitingStart,
		StartedAt: now,
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Answers = append(Answers(nil), s.Answers...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Lead snapshots a completed session.
func (s *Session) Lead() Lead {
	l := Lead{
		TelegramID: s.UserID,
		Username:   s.Handle(),
		Name:       s.Name,
		Phone:      s.Phone,
		Answers:    append(Answers(nil), s.Answers...),
		Segment:    s.Segment,
		Cost:       s.Cost,
		Duration:   s.Duration,
		Status:     LeadStatusNew,
	}
	if s.CompletedAt != nil {
		l.CompletedAt = *s.CompletedAt
	}
	return l
}
