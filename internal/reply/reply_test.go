package reply

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubBackend struct {
	reply string
	err   error
}

func (s *stubBackend) Generate(_ context.Context, _ string) (string, error) {
	return s.reply, s.err
}

func TestRequiredPhrasesAppended(t *testing.T) {
	g := New(&stubBackend{reply: "We still need a greeter for Sunday 9am."}, time.Second)
	text := g.Generate(context.Background(), Opts{
		Kind:            "offer.invite",
		RequiredPhrases: []string{"Reply YES or NO"},
	})
	if !strings.Contains(text, "Reply YES or NO") {
		t.Fatalf("missing required phrase: %q", text)
	}
	if len(text) > MaxLength {
		t.Fatalf("over cap: %d", len(text))
	}
}

func TestPhrasePresentNotDuplicated(t *testing.T) {
	g := New(&stubBackend{reply: "Can you serve Sunday? Reply YES or NO"}, time.Second)
	text := g.Generate(context.Background(), Opts{
		Kind:            "offer.invite",
		RequiredPhrases: []string{"Reply YES or NO"},
	})
	if strings.Count(text, "Reply YES or NO") != 1 {
		t.Fatalf("phrase duplicated: %q", text)
	}
}

func TestTruncatedToCap(t *testing.T) {
	g := New(&stubBackend{reply: strings.Repeat("volunteer ", 40)}, time.Second)
	text := g.Generate(context.Background(), Opts{Kind: "offer.invite"})
	if len(text) != MaxLength {
		t.Fatalf("expected exactly %d chars, got %d", MaxLength, len(text))
	}
}

func TestPhraseSkippedWhenItCannotFit(t *testing.T) {
	g := New(&stubBackend{reply: strings.Repeat("x", 155)}, time.Second)
	text := g.Generate(context.Background(), Opts{
		Kind:            "offer.invite",
		RequiredPhrases: []string{"Reply YES or NO"},
	})
	if strings.Contains(text, "Reply YES or NO") {
		t.Fatalf("phrase must not be appended when it cannot fit: %q", text)
	}
	if len(text) > MaxLength {
		t.Fatalf("over cap: %d", len(text))
	}
}

func TestBackendFailureCanned(t *testing.T) {
	g := New(&stubBackend{err: errors.New("quota")}, time.Second)
	text := g.Generate(context.Background(), Opts{Kind: "offer.accepted"})
	if text != "offer accepted update." {
		t.Fatalf("unexpected canned text: %q", text)
	}
}

func TestNilBackendCanned(t *testing.T) {
	g := New(nil, time.Second)
	text := g.Generate(context.Background(), Opts{Kind: "request_status"})
	if text != "request status update." {
		t.Fatalf("unexpected canned text: %q", text)
	}
}

func TestNewlinesCollapsed(t *testing.T) {
	g := New(&stubBackend{reply: "Line one\nLine two\n"}, time.Second)
	text := g.Generate(context.Background(), Opts{Kind: "x"})
	if text != "Line one Line two" {
		t.Fatalf("got %q", text)
	}
}

func TestCustomCap(t *testing.T) {
	g := New(&stubBackend{reply: strings.Repeat("a", 100)}, time.Second)
	g.MaxLength = 40
	text := g.Generate(context.Background(), Opts{Kind: "x"})
	if len(text) != 40 {
		t.Fatalf("custom cap ignored: %d", len(text))
	}
}
