// Package narrative structures raw generated text into a typed envelope.
// Parsing is strictly best-effort: extraction heuristics may come up
// empty, and the verbatim input is always preserved as the fallback.
package narrative

import (
	"regexp"
	"strings"
)

// Markers recognized on their own lines in generated text.
const (
	actionMarker  = "[ACTION]"
	triggerMarker = "[TRIGGER]"
)

var entityPattern = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)

// Envelope is the structured form of one generated response. Fallback
// always holds the verbatim raw text; every other field is best-effort
// and may be empty.
type Envelope struct {
	Primary   string   `json:"primary"`
	Mechanics []string `json:"mechanics,omitempty"`
	Triggers  []string `json:"triggers,omitempty"`
	Entities  []string `json:"entities,omitempty"`
	Fallback  string   `json:"fallback"`
}

// Parse structures raw generated text. It never fails: when no structure
// can be extracted the envelope degrades to fallback-only.
func Parse(raw string) Envelope {
	envelope := Envelope{Fallback: raw}

	var narrative []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, actionMarker):
			if hook := strings.TrimSpace(strings.TrimPrefix(trimmed, actionMarker)); hook != "" {
				envelope.Mechanics = append(envelope.Mechanics, hook)
			}
		case strings.HasPrefix(trimmed, triggerMarker):
			if hook := strings.TrimSpace(strings.TrimPrefix(trimmed, triggerMarker)); hook != "" {
				envelope.Triggers = append(envelope.Triggers, hook)
			}
		default:
			narrative = append(narrative, line)
		}
	}
	envelope.Primary = strings.TrimSpace(strings.Join(narrative, "\n"))

	seen := make(map[string]bool)
	for _, match := range entityPattern.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(match[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		envelope.Entities = append(envelope.Entities, name)
	}

	return envelope
}
