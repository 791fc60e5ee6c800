// Package keys derives the canonical resource key that deduplicates
// fill requests describing the same staffing slot.
package keys

import (
	"fmt"
	"strings"
	"time"
)

// Layouts accepted for slot times, tried in order. Parsed times are
// re-rendered as UTC RFC3339 so textual variants of the same instant
// collide on one key.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Parts identifies one staffing slot.
type Parts struct {
	Role    string
	Time    string
	EventID string
	Campus  string
}

// Canonical returns the canonical key for a slot:
//
//	evt:<event-or-unknown>|role:<lower>|time:<rfc3339-utc>|campus:<lower-or-default>
//
// An unparsable time is an error; a degenerate key would silently break
// deduplication.
func Canonical(p Parts) (string, error) {
	role := strings.ToLower(strings.TrimSpace(p.Role))
	if role == "" {
		return "", fmt.Errorf("resource key: role is required")
	}
	ts, err := NormalizeTime(p.Time)
	if err != nil {
		return "", err
	}
	campus := strings.ToLower(strings.TrimSpace(p.Campus))
	if campus == "" {
		campus = "default"
	}
	evt := strings.TrimSpace(p.EventID)
	if evt == "" {
		evt = "unknown"
	}
	return fmt.Sprintf("evt:%s|role:%s|time:%s|campus:%s", evt, role, ts, campus), nil
}

// NormalizeTime parses a slot time in any accepted layout and renders it
// as UTC RFC3339.
func NormalizeTime(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("resource key: time is required")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("resource key: unparsable time %q", raw)
}
