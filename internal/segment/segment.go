// Package segment classifies completed funnel answers into pricing segments.
package segment

import (
	"github.com/sells-group/intake-bot/internal/model"
)

// Segment labels.
const (
	A = "A" // fast, uncontested
	B = "B" // contested, default
	C = "C" // complex property division
	D = "D" // international
)

// Location of the spouse as answered in the funnel.
type Location string

const (
	LocationUnspecified Location = ""
	LocationUkraine     Location = "ukraine"
	LocationAbroad      Location = "abroad"
	LocationUnknown     Location = "unknown"
)

// Signals are the inputs the decision table reads. Zero values mean "no" or "not given".
type Signals struct {
	HasChildren     bool
	SpouseConsent   bool
	PropertyDispute bool
	SpouseLocation  Location
}

// Result is a classification with its fixed estimates.
type Result struct {
	Segment  string `json:"segment"`
	Cost     string `json:"cost_estimate"`
	Duration string `json:"time_estimate"`
}

var results = map[string]Result{
	A: {Segment: A, Cost: "3500-5000 грн", Duration: "2-3 months"},
	B: {Segment: B, Cost: "12000 грн", Duration: "4-6 months"},
	C: {Segment: C, Cost: "15000-30000 грн", Duration: "6-12 months"},
	D: {Segment: D, Cost: "10000-15000 грн", Duration: "3-4 months (online)"},
}

// Lookup returns the fixed estimates for a segment label.
func Lookup(segment string) (Result, bool) {
	r, ok := results[segment]
	return r, ok
}

// SignalsFrom reads signals from recorded answers. Only an explicit "yes" counts as true.
func SignalsFrom(answers model.Answers) Signals {
	return Signals{
		HasChildren:     answers.Value(model.KeyHasChildren) == "yes",
		SpouseConsent:   answers.Value(model.KeySpouseConsent) == "yes",
		PropertyDispute: answers.Value(model.KeyPropertyDispute) == "yes",
		SpouseLocation:  Location(answers.Value(model.KeySpouseLocation)),
	}
}

// Classify evaluates the rules in priority order; the first match wins.
func Classify(s Signals) Result {
	switch {
	case !s.HasChildren && s.SpouseConsent && !s.PropertyDispute:
		return results[A]
	case s.SpouseLocation == LocationAbroad || s.SpouseLocation == LocationUnknown:
		return results[D]
	case s.PropertyDispute && s.HasChildren:
		return results[C]
	default:
		return results[B]
	}
}

// ClassifyAnswers is Classify over recorded answers.
func ClassifyAnswers(answers model.Answers) Result {
	return Classify(SignalsFrom(answers))
}
