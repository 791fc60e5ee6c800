// Package sms sends outbound texts with at-most-once delivery per
// idempotency key and a full audit trail in the messages table.
package sms

import (
	"context"
	"fmt"
	"log"
	"time"

	"rosterline/internal/domain"
	"rosterline/internal/idem"
)

// Transport delivers one text to one phone number.
type Transport interface {
	Deliver(ctx context.Context, to, body string) error
}

// LogTransport writes outbound texts to the process log instead of a
// carrier. It is the default for local development and tests.
type LogTransport struct {
	Logger *log.Logger
}

func (t LogTransport) Deliver(_ context.Context, to, body string) error {
	if t.Logger != nil {
		t.Logger.Printf("sms to=%s body=%q", to, body)
	} else {
		log.Printf("sms to=%s body=%q", to, body)
	}
	return nil
}

// MessageStore persists the outbound audit record.
type MessageStore interface {
	InsertMessage(ctx context.Context, m domain.MessageRecord) error
}

type Sender struct {
	Idem      *idem.Store
	Transport Transport
	Store     MessageStore
	Now       func() time.Time
}

func NewSender(store *idem.Store, transport Transport, messages MessageStore) *Sender {
	return &Sender{
		Idem:      store,
		Transport: transport,
		Store:     messages,
		Now:       time.Now,
	}
}

type SendParams struct {
	To       string
	Body     string
	Template string

	// RequestID, PersonID, and Kind form the delivery key. A send with
	// an already used key is skipped, not an error.
	RequestID string
	PersonID  string
	Kind      string
}

// Send delivers the text unless its delivery key was already used.
// It returns whether a delivery actually happened.
func (s *Sender) Send(ctx context.Context, p SendParams) (bool, error) {
	if p.To == "" {
		return false, fmt.Errorf("sms send: empty recipient")
	}
	key := idem.Key(p.RequestID, p.PersonID, p.Kind)
	if s.Idem.CheckAndRecord(key) {
		return false, nil
	}
	if err := s.Transport.Deliver(ctx, p.To, p.Body); err != nil {
		return false, fmt.Errorf("sms deliver: %w", err)
	}
	if s.Store != nil {
		rec := domain.MessageRecord{
			Key:      key,
			To:       p.To,
			Template: p.Template,
			Body:     p.Body,
			SentAt:   s.Now().UTC().Format(time.RFC3339),
		}
		if err := s.Store.InsertMessage(ctx, rec); err != nil {
			return true, fmt.Errorf("sms audit: %w", err)
		}
	}
	return true, nil
}
