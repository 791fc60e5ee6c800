// Package classify labels inbound texts with an intent and extracted
// slots. Cheap rule shortcuts answer the unambiguous one-word replies;
// everything else goes to the model, scoped to the intents the sender
// is allowed to express. Without a backend the classifier returns a
// conservative unknown so the inbound flow still works offline.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"rosterline/internal/domain"
)

// IntentList is every intent the system understands.
var IntentList = []string{
	"volunteer_accept", "volunteer_decline", "volunteer_unavailable",
	"staff_add_event", "staff_update_event", "staff_cancel_event", "staff_list_events", "staff_list_services",
	"fill_role_request", "staff_reduce_target", "staff_release_excess", "staff_keep_all", "ask_status", "unknown",
}

var (
	yesRe     = regexp.MustCompile(`^(yes|y)$`)
	noRe      = regexp.MustCompile(`^(no|n)$`)
	releaseRe = regexp.MustCompile(`\brelease\b`)
	keepRe    = regexp.MustCompile(`\bkeep\b`)
)

// Backend produces raw model text for a prompt. It matches the planner
// backend so both can share one Gemini client.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StaffChecker reports whether a phone belongs to a trusted staff
// member; staff unlock the staff_* intents.
type StaffChecker interface {
	IsTrusted(ctx context.Context, phone string) bool
}

type Classifier struct {
	Backend Backend
	Staff   StaffChecker
	Timeout time.Duration
}

func New(backend Backend, staff StaffChecker, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Classifier{Backend: backend, Staff: staff, Timeout: timeout}
}

func unknown() domain.Intent {
	return domain.Intent{Intent: "unknown", Confidence: 0.1, Slots: map[string]any{}}
}

// Classify labels one inbound text from the given phone number.
func (c *Classifier) Classify(ctx context.Context, text, from string) domain.Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case yesRe.MatchString(t):
		return domain.Intent{Intent: "volunteer_accept", Confidence: 0.99, Slots: map[string]any{}}
	case noRe.MatchString(t):
		return domain.Intent{Intent: "volunteer_decline", Confidence: 0.99, Slots: map[string]any{}}
	case releaseRe.MatchString(t):
		return domain.Intent{Intent: "staff_release_excess", Confidence: 0.8, Slots: map[string]any{}}
	case keepRe.MatchString(t):
		return domain.Intent{Intent: "staff_keep_all", Confidence: 0.8, Slots: map[string]any{}}
	}
	if c.Backend == nil {
		return unknown()
	}

	allowed := c.allowedIntents(ctx, from)
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	raw, err := c.Backend.Generate(ctx, buildPrompt(text, allowed))
	if err != nil {
		return unknown()
	}
	cleaned := strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(raw))
	var intent domain.Intent
	if err := json.Unmarshal([]byte(cleaned), &intent); err != nil {
		return unknown()
	}
	if intent.Intent == "" || intent.Confidence < 0 || intent.Confidence > 1 {
		return unknown()
	}
	if intent.Slots == nil {
		intent.Slots = map[string]any{}
	}
	if !contains(allowed, intent.Intent) {
		intent.Intent = "unknown"
	}
	return intent
}

// allowedIntents narrows the label set for non-staff senders.
func (c *Classifier) allowedIntents(ctx context.Context, from string) []string {
	if c.Staff != nil && c.Staff.IsTrusted(ctx, from) {
		return IntentList
	}
	var allowed []string
	for _, intent := range IntentList {
		if strings.HasPrefix(intent, "volunteer_") || intent == "ask_status" || intent == "unknown" || intent == "fill_role_request" {
			allowed = append(allowed, intent)
		}
	}
	return allowed
}

func buildPrompt(text string, allowed []string) string {
	quoted, _ := json.Marshal(text)
	return strings.Join([]string{
		"Task: Classify the inbound church ops SMS into an intent and extract structured slots.",
		`Output JSON ONLY: {"intent":"...","confidence":0-1,"slots":{}}`,
		"Allowed intents: " + strings.Join(allowed, "|"),
		"Guidelines:\n- If ambiguous -> intent:\"unknown\" confidence <=0.4\n- Normalize datetimes to ISO if obvious\n- Minimal slots only",
		"If reducing target, include slot new_target (number).",
		fmt.Sprintf("Text: %s", quoted),
	}, "\n\n")
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
