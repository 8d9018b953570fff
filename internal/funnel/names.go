package funnel

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/intake-bot/internal/model"
)

// joinName collapses whitespace and normalizes to NFC so the same name typed
// on different keyboards compares equal.
func joinName(parts ...string) string {
	return norm.NFC.String(strings.Join(strings.Fields(strings.Join(parts, " ")), " "))
}

func profileName(p model.Profile) string {
	return joinName(p.FirstName, p.LastName)
}

// leadName prefers the name on the shared contact, then the profile, then a fixed fallback.
func leadName(c Contact, p model.Profile) string {
	if n := joinName(c.FirstName, c.LastName); n != "" {
		return n
	}
	if n := profileName(p); n != "" {
		return n
	}
	return model.FallbackName
}
