// Package messages holds the user-facing copy of the funnel.
package messages

import (
	_ "embed"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/intake-bot/internal/model"
)

//go:embed messages.yaml
var defaultCatalog []byte

// Button is one inline button: the label shown and the token it sends back.
type Button struct {
	Token string `yaml:"token"`
	Label string `yaml:"label"`
}

type questionCopy struct {
	Text    string   `yaml:"text"`
	Buttons []Button `yaml:"buttons"`
}

// Catalog is the parsed copy. Zero values are not usable; build with Default or Parse.
type Catalog struct {
	Welcome          string                  `yaml:"welcome"`
	StartButton      string                  `yaml:"start_button"`
	QuestionHeader   string                  `yaml:"question_header"`
	Questions        map[string]questionCopy `yaml:"questions"`
	PhoneRequest     string                  `yaml:"phone_request"`
	PhoneButton      string                  `yaml:"phone_button"`
	Durations        map[string]string       `yaml:"durations"`
	Segments         map[string]string       `yaml:"segments"`
	Offer            string                  `yaml:"offer"`
	BookButton       string                  `yaml:"book_button"`
	BookingConfirmed string                  `yaml:"booking_confirmed"`
	NotUnderstood    string                  `yaml:"not_understood"`
	Reminders        map[string]string       `yaml:"reminders"`
	Admin            struct {
		NewLead      string `yaml:"new_lead"`
		Consultation string `yaml:"consultation"`
	} `yaml:"admin"`
	DebugSinkFailure string `yaml:"debug_sink_failure"`
}

// Default returns the embedded catalog. It panics if the embedded file is broken,
// which the package tests rule out.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes and validates a catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "messages: parse catalog")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate checks every funnel question and token has copy.
func (c *Catalog) validate() error {
	var missing []string
	for _, q := range model.Questions {
		qc, ok := c.Questions[string(q.State)]
		if !ok || qc.Text == "" {
			missing = append(missing, "questions."+string(q.State))
			continue
		}
		labels := make(map[string]bool, len(qc.Buttons))
		for _, b := range qc.Buttons {
			labels[b.Token] = b.Label != ""
		}
		for _, o := range q.Options {
			if !labels[o.Token] {
				missing = append(missing, "questions."+string(q.State)+"."+o.Token)
			}
		}
	}
	for _, seg := range []string{"A", "B", "C", "D"} {
		if c.Segments[seg] == "" {
			missing = append(missing, "segments."+seg)
		}
	}
	for _, class := range model.ReminderClasses {
		if c.Reminders[string(class)] == "" {
			missing = append(missing, "reminders."+string(class))
		}
	}
	required := map[string]string{
		"welcome":           c.Welcome,
		"start_button":      c.StartButton,
		"phone_request":     c.PhoneRequest,
		"phone_button":      c.PhoneButton,
		"offer":             c.Offer,
		"book_button":       c.BookButton,
		"booking_confirmed": c.BookingConfirmed,
		"not_understood":    c.NotUnderstood,
	}
	for k, v := range required {
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("messages: catalog missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// fill replaces {key} placeholders from alternating key/value pairs.
func fill(tmpl string, kv ...string) string {
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Question renders the prompt and buttons for a question state.
func (c *Catalog) Question(state model.FunnelState) (string, []Button, bool) {
	q, ok := model.QuestionFor(state)
	if !ok {
		return "", nil, false
	}
	qc := c.Questions[string(state)]
	header := fill(c.QuestionHeader,
		"n", strconv.Itoa(q.Number()),
		"total", strconv.Itoa(len(model.Questions)),
	)
	return header + "\n\n" + qc.Text, qc.Buttons, true
}

// StartButtons is the single button under the welcome message.
func (c *Catalog) StartButtons() []Button {
	return []Button{{Token: model.TokenStartQuiz, Label: c.StartButton}}
}

// BookButtons is the single button under the consultation offer.
func (c *Catalog) BookButtons() []Button {
	return []Button{{Token: model.TokenBookConsultation, Label: c.BookButton}}
}

// Duration localizes a stored duration literal, falling back to the literal.
func (c *Catalog) Duration(d string) string {
	if l, ok := c.Durations[d]; ok {
		return l
	}
	return d
}

// Result renders the segment explanation. Unknown segments use B.
func (c *Catalog) Result(segment, cost, duration string) string {
	tmpl, ok := c.Segments[segment]
	if !ok {
		tmpl = c.Segments["B"]
	}
	return fill(tmpl, "cost", cost, "time", c.Duration(duration))
}

// BookingConfirmation echoes the phone the lawyer will call.
func (c *Catalog) BookingConfirmation(phone string) string {
	return fill(c.BookingConfirmed, "phone", phone)
}

// Reminder returns the nudge text for a class.
func (c *Catalog) Reminder(class model.ReminderClass) string {
	return c.Reminders[string(class)]
}

// AdminNewLead summarizes a completed lead for the operator chat.
func (c *Catalog) AdminNewLead(l *model.Lead) string {
	return fill(c.Admin.NewLead,
		"segment", l.Segment,
		"name", l.Name,
		"handle", l.Username,
		"phone", l.Phone,
		"cost", l.Cost,
		"time", c.Duration(l.Duration),
	)
}

// AdminConsultation tells the operator a lead asked for a consultation.
func (c *Catalog) AdminConsultation(l *model.Lead) string {
	return fill(c.Admin.Consultation,
		"segment", l.Segment,
		"name", l.Name,
		"handle", l.Username,
		"phone", l.Phone,
	)
}

// DebugFailure describes a sink failure to the user when debug mode is on.
func (c *Catalog) DebugFailure(sink, errText string) string {
	return fill(c.DebugSinkFailure, "sink", sink, "error", errText)
}
