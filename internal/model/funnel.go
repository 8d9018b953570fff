package model

// FunnelState is a position in the qualification funnel. States only move forward.
type FunnelState string

const (
	StateAwaitingStart FunnelState = "awaiting_start"
	StateQ1            FunnelState = "q1"
	StateQ2            FunnelState = "q2"
	StateQ3            FunnelState = "q3"
	StateQ4            FunnelState = "q4"
	StateQ5            FunnelState = "q5"
	StateAwaitingPhone FunnelState = "awaiting_phone"
	StateCompleted     FunnelState = "completed"
)

// IsQuestion reports whether the state presents one of the funnel questions.
func (s FunnelState) IsQuestion() bool {
	_, ok := QuestionFor(s)
	return ok
}

// Terminal reports whether no further funnel input is accepted.
func (s FunnelState) Terminal() bool {
	return s == StateCompleted
}

// AnsweredEvent is the analytics event name emitted when the state is left by a valid action.
func (s FunnelState) AnsweredEvent() string {
	if s == StateAwaitingStart {
		return EventQuizStarted
	}
	return string(s) + "_answered"
}

// Analytics event names.
const (
	EventStart              = "start"
	EventQuizStarted        = "quiz_started"
	EventPhoneShared        = "phone_shared"
	EventConsultationBooked = "consultation_booked"
	EventReminderSent       = "reminder_sent"
)

// ReminderClass distinguishes the two kinds of nudges.
type ReminderClass string

const (
	ReminderStalledFunnel ReminderClass = "stalled_funnel"
	ReminderMissingPhone  ReminderClass = "missing_phone"
)

// ReminderClasses lists every class, used when canceling all reminders for a user.
var ReminderClasses = []ReminderClass{ReminderStalledFunnel, ReminderMissingPhone}
