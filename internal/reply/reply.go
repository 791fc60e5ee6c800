// Package reply writes the outbound natural-language SMS bodies. The
// model drafts the text; the post-pass enforces the hard constraints a
// carrier message must meet: required phrases present verbatim and a
// strict length cap.
package reply

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const MaxLength = 160

// Backend produces raw model text for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type Generator struct {
	Backend Backend
	Timeout time.Duration

	// MaxLength overrides the default SMS cap when positive.
	MaxLength int
}

func New(backend Backend, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &Generator{Backend: backend, Timeout: timeout}
}

type Opts struct {
	// Kind is the semantic event, e.g. "offer.accepted".
	Kind            string
	RequiredPhrases []string
	Context         map[string]any
}

func (g *Generator) limit() int {
	if g.MaxLength > 0 {
		return g.MaxLength
	}
	return MaxLength
}

// Generate returns one SMS line for the event. A missing or failing
// backend degrades to a canned phrase derived from the kind; required
// phrases are appended when absent and the result is truncated to the
// cap, required phrases first.
func (g *Generator) Generate(ctx context.Context, opts Opts) string {
	text := g.draft(ctx, opts)
	for _, phrase := range opts.RequiredPhrases {
		if !strings.Contains(text, phrase) {
			if len(text)+len(phrase)+1 < g.limit() {
				text = text + " " + phrase
			}
		}
	}
	if len(text) > g.limit() {
		text = text[:g.limit()]
	}
	return text
}

func (g *Generator) draft(ctx context.Context, opts Opts) string {
	if g.Backend == nil {
		return canned(opts.Kind)
	}
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	raw, err := g.Backend.Generate(ctx, buildPrompt(opts, g.limit()))
	if err != nil {
		return canned(opts.Kind)
	}
	text := strings.Join(strings.Fields(raw), " ")
	if text == "" {
		return canned(opts.Kind)
	}
	return text
}

func canned(kind string) string {
	cleaned := strings.NewReplacer("_", " ", ".", " ").Replace(kind)
	return strings.TrimSpace(cleaned) + " update."
}

func buildPrompt(opts Opts, limit int) string {
	ctxJSON, _ := json.Marshal(opts.Context)
	parts := []string{
		"You write one concise SMS in warm, clear, plain language.",
		"Max length: " + strconv.Itoa(limit) + " characters.",
		"Event Kind: " + opts.Kind,
		"Context JSON: " + string(ctxJSON),
	}
	if len(opts.RequiredPhrases) > 0 {
		var sb strings.Builder
		sb.WriteString("Required phrases (exact substring somewhere):\n")
		for _, p := range opts.RequiredPhrases {
			sb.WriteString("- " + p + "\n")
		}
		parts = append(parts, strings.TrimRight(sb.String(), "\n"))
	}
	parts = append(parts,
		"Rules:\n- NO JSON.\n- One line.\n- Must retain meaning of event.\n- Include required phrases verbatim.",
		"Reply with ONLY the SMS text.",
	)
	return strings.Join(parts, "\n\n")
}
