// Package validation holds the pure parameter predicates shared by the HTTP
// surface, the WebSocket surface and the broadcast dispatcher.
package validation

import (
	"fmt"
	"strings"
)

// Error reports a rejected parameter. Field names the offending input.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errorf builds a field-scoped validation error.
func Errorf(field, format string, args ...interface{}) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Intensity and duration bounds accepted by the device and by broadcasts.
const (
	MinIntensity = 0
	MaxIntensity = 100
	MinDuration  = 300
	MaxDuration  = 30000
)

// Broadcast command kinds
const (
	KindShock   = "shock"
	KindVibrate = "vibrate"
)

// ValidIntensity reports whether x is an acceptable intensity percentage.
func ValidIntensity(x int) bool {
	return x >= MinIntensity && x <= MaxIntensity
}

// ValidDuration reports whether x is an acceptable duration in milliseconds.
func ValidDuration(x int) bool {
	return x >= MinDuration && x <= MaxDuration
}

// ValidCommandKind reports whether kind names a supported broadcast command.
func ValidCommandKind(kind string) bool {
	switch kind {
	case KindShock, KindVibrate:
		return true
	default:
		return false
	}
}

// NormalizeShockerIDs resolves the shocker-ID field of a subscribe request,
// which clients send either as a JSON array or as a comma-delimited string.
// Entries are trimmed and empties dropped. A nil or unrecognized value
// yields an empty slice.
func NormalizeShockerIDs(raw interface{}) []string {
	var candidates []string

	switch v := raw.(type) {
	case []string:
		candidates = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case string:
		candidates = strings.Split(v, ",")
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
