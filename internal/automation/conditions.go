package automation

import (
	"strings"
)

// substring conditions and the payload key they inspect
var containsKeys = map[string]string{
	"from_contains":    "from",
	"subject_contains": "subject",
	"to_contains":      "to",
	"body_contains":    "body",
}

// MatchConditions reports whether every condition holds for the payload.
// "*_contains" keys are case-insensitive substring checks; any other key
// compares case-insensitively for equality, and a list value matches any
// of its elements. Empty conditions match every event.
func MatchConditions(conditions, payload map[string]any) bool {
	for key, want := range conditions {
		if field, ok := containsKeys[key]; ok {
			if !contains(payloadText(payload[field]), want) {
				return false
			}
			continue
		}
		got, ok := payload[key]
		if !ok || !equals(payloadText(got), want) {
			return false
		}
	}
	return true
}

func contains(text string, want any) bool {
	for _, w := range alternatives(want) {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func equals(text string, want any) bool {
	for _, w := range alternatives(want) {
		if text == w {
			return true
		}
	}
	return false
}

func alternatives(want any) []string {
	var out []string
	switch t := want.(type) {
	case []any:
		for _, v := range t {
			out = append(out, strings.ToLower(stringOf(v)))
		}
	case []string:
		for _, v := range t {
			out = append(out, strings.ToLower(v))
		}
	default:
		out = append(out, strings.ToLower(stringOf(t)))
	}
	return out
}

func payloadText(v any) string {
	switch t := v.(type) {
	case []string:
		return strings.ToLower(strings.Join(t, ", "))
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringOf(p))
		}
		return strings.ToLower(strings.Join(parts, ", "))
	}
	return strings.ToLower(stringOf(v))
}
