package sms

import (
	"context"
	"testing"
	"time"

	"rosterline/internal/domain"
	"rosterline/internal/idem"
)

type fakeTransport struct {
	sent []string
}

func (f *fakeTransport) Deliver(_ context.Context, to, body string) error {
	f.sent = append(f.sent, to+":"+body)
	return nil
}

type fakeStore struct {
	records []domain.MessageRecord
}

func (f *fakeStore) InsertMessage(_ context.Context, m domain.MessageRecord) error {
	f.records = append(f.records, m)
	return nil
}

func newTestSender() (*Sender, *fakeTransport, *fakeStore) {
	tr := &fakeTransport{}
	st := &fakeStore{}
	s := NewSender(idem.NewStore(), tr, st)
	s.Now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	return s, tr, st
}

func TestSendRecordsAudit(t *testing.T) {
	s, tr, st := newTestSender()
	sent, err := s.Send(context.Background(), SendParams{
		To: "+15551234567", Body: "Can you serve?", Template: "invite",
		RequestID: "vr_1", PersonID: "p_1", Kind: "invite",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sent {
		t.Fatalf("first send must deliver")
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(tr.sent))
	}
	if len(st.records) != 1 || st.records[0].Key != idem.Key("vr_1", "p_1", "invite") {
		t.Fatalf("unexpected audit records: %+v", st.records)
	}
}

func TestDuplicateKeySkipped(t *testing.T) {
	s, tr, _ := newTestSender()
	p := SendParams{To: "+15551234567", Body: "Can you serve?", RequestID: "vr_1", PersonID: "p_1", Kind: "invite"}
	for i := 0; i < 3; i++ {
		if _, err := s.Send(context.Background(), p); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(tr.sent) != 1 {
		t.Fatalf("retries must not redeliver, got %d deliveries", len(tr.sent))
	}
}

func TestDifferentKindDelivers(t *testing.T) {
	s, tr, _ := newTestSender()
	base := SendParams{To: "+15551234567", Body: "x", RequestID: "vr_1", PersonID: "p_1"}
	invite := base
	invite.Kind = "invite"
	reminder := base
	reminder.Kind = "reminder"
	if _, err := s.Send(context.Background(), invite); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := s.Send(context.Background(), reminder); err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("distinct kinds must both deliver, got %d", len(tr.sent))
	}
}

func TestEmptyRecipientRejected(t *testing.T) {
	s, _, _ := newTestSender()
	if _, err := s.Send(context.Background(), SendParams{Body: "x"}); err == nil {
		t.Fatalf("expected error for empty recipient")
	}
}
