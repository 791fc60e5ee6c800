// Package directory manages the shared facility, event, service, and
// announcement records behind the staffing flows. All writes require a
// trusted actor: a phone number belonging to an active staff person.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rosterline/internal/domain"
	"rosterline/internal/repo"
)

var ErrUnauthorized = errors.New("phone not recognized as staff")

type Engine struct {
	Repo repo.Repo
	Now  func() time.Time

	// ExtraStaffPhones extends the trusted set beyond people records,
	// typically from config for bootstrap before staff are seeded.
	ExtraStaffPhones []string

	NewID func(prefix string) string
}

func New(r repo.Repo) *Engine {
	return &Engine{
		Repo:  r,
		Now:   time.Now,
		NewID: func(prefix string) string { return prefix + "_" + uuid.NewString()[:8] },
	}
}

func (e *Engine) nowIso() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// IsTrusted reports whether the phone belongs to an active staff person
// or the configured bootstrap set.
func (e *Engine) IsTrusted(ctx context.Context, phone string) bool {
	for _, p := range e.ExtraStaffPhones {
		if p == phone {
			return true
		}
	}
	person, err := e.Repo.GetPersonByPhone(ctx, phone)
	if err != nil {
		return false
	}
	return person.Kind == "staff" && person.IsActive
}

func (e *Engine) assertStaff(ctx context.Context, phone string) error {
	if !e.IsTrusted(ctx, phone) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, phone)
	}
	return nil
}

func (e *Engine) AddFacility(ctx context.Context, f domain.Facility, staffPhone string) (domain.Facility, error) {
	if err := e.assertStaff(ctx, staffPhone); err != nil {
		return domain.Facility{}, err
	}
	if f.ID == "" {
		f.ID = e.NewID("fac")
	}
	if err := e.Repo.InsertFacility(ctx, f); err != nil {
		return domain.Facility{}, err
	}
	return f, nil
}

// AddEvent stores a new calendar event. An event missing its start or
// end stays a draft; a complete one is scheduled immediately.
func (e *Engine) AddEvent(ctx context.Context, evt domain.Event, staffPhone string) (domain.Event, error) {
	if err := e.assertStaff(ctx, staffPhone); err != nil {
		return domain.Event{}, err
	}
	if evt.Title == "" {
		return domain.Event{}, errors.New("title required")
	}
	if evt.ID == "" {
		evt.ID = e.NewID("evt")
	}
	if evt.Start != "" && evt.End != "" {
		evt.Status = domain.EventScheduled
	} else {
		evt.Status = domain.EventDraft
	}
	evt.CreatedBy = staffPhone
	evt.CreatedAt = e.nowIso()
	if err := e.Repo.InsertEvent(ctx, evt); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// EventPatch carries the updatable event fields. Nil means unchanged.
type EventPatch struct {
	Title       *string
	Description *string
	Start       *string
	End         *string
	FacilityID  *string
	Ministry    *string
	Status      *string
}

// UpdateEvent applies a patch and auto-promotes a draft that gained
// both start and end times.
func (e *Engine) UpdateEvent(ctx context.Context, eventID string, patch EventPatch, staffPhone string) (domain.Event, error) {
	if err := e.assertStaff(ctx, staffPhone); err != nil {
		return domain.Event{}, err
	}
	evt, err := e.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&evt.Title, patch.Title)
	apply(&evt.Description, patch.Description)
	apply(&evt.Start, patch.Start)
	apply(&evt.End, patch.End)
	apply(&evt.FacilityID, patch.FacilityID)
	apply(&evt.Ministry, patch.Ministry)
	apply(&evt.Status, patch.Status)
	if evt.Status == domain.EventDraft && evt.Start != "" && evt.End != "" {
		evt.Status = domain.EventScheduled
	}
	if err := e.Repo.ReplaceEvent(ctx, evt); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

func (e *Engine) CancelEvent(ctx context.Context, eventID, staffPhone, reason string) (domain.Event, error) {
	status := domain.EventCancelled
	patch := EventPatch{Status: &status}
	if reason != "" {
		patch.Description = &reason
	}
	return e.UpdateEvent(ctx, eventID, patch, staffPhone)
}

func (e *Engine) AddService(ctx context.Context, s domain.Service, staffPhone string) (domain.Service, error) {
	if err := e.assertStaff(ctx, staffPhone); err != nil {
		return domain.Service{}, err
	}
	if s.Campus == "" || s.Start == "" || s.End == "" {
		return domain.Service{}, errors.New("campus, start, end required")
	}
	if s.ID == "" {
		s.ID = e.NewID("svc")
	}
	if err := e.Repo.InsertService(ctx, s); err != nil {
		return domain.Service{}, err
	}
	return s, nil
}

func (e *Engine) AddAnnouncement(ctx context.Context, a domain.Announcement, staffPhone string) (domain.Announcement, error) {
	if err := e.assertStaff(ctx, staffPhone); err != nil {
		return domain.Announcement{}, err
	}
	if a.Title == "" || a.Body == "" {
		return domain.Announcement{}, errors.New("title, body required")
	}
	if a.ID == "" {
		a.ID = e.NewID("ann")
	}
	if a.PublishOn == "" {
		a.PublishOn = e.nowIso()
	}
	a.CreatedBy = staffPhone
	if err := e.Repo.InsertAnnouncement(ctx, a); err != nil {
		return domain.Announcement{}, err
	}
	return a, nil
}

// SearchFacts does a case-insensitive substring search across
// facilities, events, and services, capped at 25 hits.
func (e *Engine) SearchFacts(ctx context.Context, query string) ([]domain.Fact, error) {
	q := strings.ToLower(query)
	var facts []domain.Fact
	facilities, err := e.Repo.ListFacilities(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range facilities {
		if containsAny(q, f.Name, f.Location, f.Notes) {
			snippet := "Facility " + f.Name
			if f.Location != "" {
				snippet += " @ " + f.Location
			}
			facts = append(facts, domain.Fact{ID: f.ID, Type: "facility", Title: f.Name, Snippet: snippet})
		}
	}
	events, err := e.Repo.ListEvents(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		if containsAny(q, evt.Title, evt.Description, evt.Ministry) {
			facts = append(facts, domain.Fact{ID: evt.ID, Type: "event", Title: evt.Title, Snippet: fmt.Sprintf("%s on %s", evt.Title, evt.Start)})
		}
	}
	services, err := e.Repo.ListServices(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, s := range services {
		label := fmt.Sprintf("%s service %s", s.Campus, s.Start)
		if strings.Contains(strings.ToLower(label), q) {
			facts = append(facts, domain.Fact{ID: s.ID, Type: "service", Title: label, Snippet: label})
		}
	}
	if len(facts) > 25 {
		facts = facts[:25]
	}
	return facts, nil
}

// EventFilter narrows FilterEvents. Zero values match everything.
type EventFilter struct {
	Ministry string
	From     string
	To       string
	Status   string
}

func (e *Engine) FilterEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	events, err := e.Repo.ListEvents(ctx, f.Status)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for _, evt := range events {
		if f.Ministry != "" && evt.Ministry != f.Ministry {
			continue
		}
		if f.From != "" && (evt.Start == "" || evt.Start < f.From) {
			continue
		}
		if f.To != "" && (evt.Start == "" || evt.Start > f.To) {
			continue
		}
		res = append(res, evt)
	}
	return res, nil
}

type ServiceFilter struct {
	Campus string
	From   string
	To     string
}

func (e *Engine) FilterServices(ctx context.Context, f ServiceFilter) ([]domain.Service, error) {
	services, err := e.Repo.ListServices(ctx, f.Campus)
	if err != nil {
		return nil, err
	}
	var res []domain.Service
	for _, s := range services {
		if f.From != "" && s.Start < f.From {
			continue
		}
		if f.To != "" && s.Start > f.To {
			continue
		}
		res = append(res, s)
	}
	return res, nil
}

func containsAny(needle string, haystacks ...string) bool {
	for _, h := range haystacks {
		if h != "" && strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}
