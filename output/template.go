// Package output holds helpers shared by the destination sinks.
package output

import (
	"strings"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

// Placeholders recognised in subject and stream templates
const (
	PlaceholderServer = "{server}"
	PlaceholderEvent  = "{event}"
)

// Template expands {server} and {event} from an event. Substituted values
// pass through the template's escape function.
type Template struct {
	pattern string
	dynamic bool
	escape  func(string) string
}

// NewTemplate compiles pattern. A nil escape leaves values unchanged.
func NewTemplate(pattern string, escape func(string) string) Template {
	if escape == nil {
		escape = func(s string) string { return s }
	}
	return Template{
		pattern: pattern,
		dynamic: strings.Contains(pattern, PlaceholderServer) || strings.Contains(pattern, PlaceholderEvent),
		escape:  escape,
	}
}

// Expand returns the pattern with placeholders replaced.
func (t Template) Expand(ev *ami.Event) string {
	if !t.dynamic {
		return t.pattern
	}
	event := ev.Name()
	if event == "" {
		event = "unknown"
	}
	return strings.NewReplacer(
		PlaceholderServer, t.escape(ev.Server()),
		PlaceholderEvent, t.escape(event),
	).Replace(t.pattern)
}

// String returns the pattern.
func (t Template) String() string { return t.pattern }

// SubjectToken makes s safe as a single NATS subject token.
func SubjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
