package model

// Canonical answer keys, in the column order used by lead storage.
const (
	KeyHasChildren     = "has_children"
	KeySpouseConsent   = "spouse_consent"
	KeyPropertyDispute = "property_dispute"
	KeySpouseLocation  = "spouse_location"
	KeyBudget          = "budget"
)

// AnswerKeys is the fixed column order for answers.
var AnswerKeys = []string{KeyHasChildren, KeySpouseConsent, KeyPropertyDispute, KeySpouseLocation, KeyBudget}

// Tokens that are not question answers.
const (
	TokenStartQuiz        = "start_quiz"
	TokenBookConsultation = "book_consultation"
)

// Option is one button of a question: the opaque token it sends and the answer it implies.
type Option struct {
	Token string
	Value string
}

// Question binds a funnel state to its answer key, legal options, and successor.
type Question struct {
	State   FunnelState
	Key     string
	Options []Option
	Next    FunnelState
}

// Questions is the funnel in presentation order.
var Questions = []Question{
	{
		State: StateQ1,
		Key:   KeyHasChildren,
		Options: []Option{
			{Token: "q1_yes", Value: "yes"},
			{Token: "q1_no", Value: "no"},
		},
		Next: StateQ2,
	},
	{
		State: StateQ2,
		Key:   KeySpouseConsent,
		Options: []Option{
			{Token: "q2_yes", Value: "yes"},
			{Token: "q2_no", Value: "no"},
			{Token: "q2_unknown", Value: "unknown"},
		},
		Next: StateQ3,
	},
	{
		State: StateQ3,
		Key:   KeyPropertyDispute,
		Options: []Option{
			{Token: "q3_yes", Value: "yes"},
			{Token: "q3_no", Value: "no"},
			{Token: "q3_unsure", Value: "unsure"},
		},
		Next: StateQ4,
	},
	{
		State: StateQ4,
		Key:   KeySpouseLocation,
		Options: []Option{
			{Token: "q4_ukraine", Value: "ukraine"},
			{Token: "q4_abroad", Value: "abroad"},
			{Token: "q4_unknown", Value: "unknown"},
		},
		Next: StateQ5,
	},
	{
		State: StateQ5,
		Key:   KeyBudget,
		Options: []Option{
			{Token: "q5_low", Value: "low"},
			{Token: "q5_medium", Value: "medium"},
			{Token: "q5_high", Value: "high"},
			{Token: "q5_unknown", Value: "unknown"},
		},
		Next: StateAwaitingPhone,
	},
}

// QuestionFor returns the question presented in state.
func QuestionFor(state FunnelState) (Question, bool) {
	for _, q := range Questions {
		if q.State == state {
			return q, true
		}
	}
	return Question{}, false
}

// Answer resolves a token to the answer value it implies for this question.
func (q Question) Answer(token string) (string, bool) {
	for _, o := range q.Options {
		if o.Token == token {
			return o.Value, true
		}
	}
	return "", false
}

// Number is the 1-based position of the question.
func (q Question) Number() int {
	for i, other := range Questions {
		if other.State == q.State {
			return i + 1
		}
	}
	return 0
}
