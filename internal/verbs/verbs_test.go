package verbs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rosterline/internal/db"
	"rosterline/internal/directory"
	"rosterline/internal/domain"
	"rosterline/internal/idem"
	"rosterline/internal/migrate"
	"rosterline/internal/repo"
	"rosterline/internal/sms"
	"rosterline/internal/verbs"
)

type captureTransport struct {
	sent []string
}

func (c *captureTransport) Deliver(_ context.Context, to, body string) error {
	c.sent = append(c.sent, to+":"+body)
	return nil
}

type testEnv struct {
	Reg       *verbs.Registry
	Env       *verbs.Env
	Transport *captureTransport
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	people := []domain.Person{
		{ID: "p_staff", Kind: "staff", FullName: "Anna Staff", Phone: "+15550001111", Campus: "default", IsActive: true},
		{ID: "p_1", Kind: "member", FullName: "Bea", Phone: "+15550002222", Campus: "default", Ministries: []string{"greeter"}, IsActive: true},
		{ID: "p_2", Kind: "member", FullName: "Cal", Phone: "+15550003333", Campus: "default", Ministries: []string{"greeter", "usher"}, IsActive: true},
	}
	for _, p := range people {
		if err := r.InsertPerson(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}
	tr := &captureTransport{}
	now := func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	sender := sms.NewSender(idem.NewStore(), tr, &r)
	sender.Now = now
	dirEng := directory.New(r)
	dirEng.Now = now
	seq := 0
	newID := func(prefix string) string {
		seq++
		return fmt.Sprintf("%s_%d", prefix, seq)
	}
	dirEng.NewID = newID
	env := &verbs.Env{
		Now:       now,
		Repo:      r,
		Directory: dirEng,
		SMS:       sender,
		NewID:     newID,
	}
	return testEnv{Reg: verbs.Builtins(), Env: env, Transport: tr, Ctx: ctx}
}

func run(t *testing.T, e testEnv, name string, args map[string]any) map[string]any {
	t.Helper()
	v, err := e.Reg.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	if err := v.Schema.Validate(args); err != nil {
		t.Fatalf("%s args: %v", name, err)
	}
	out, err := v.Run(e.Ctx, args, e.Env)
	if err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
	return out
}

func TestDuplicateRegistrationFails(t *testing.T) {
	r := verbs.NewRegistry()
	v := verbs.Verb{Name: "x"}
	if err := r.Register(v); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(v); err == nil {
		t.Fatalf("duplicate register must fail")
	}
}

func TestUnknownVerb(t *testing.T) {
	r := verbs.Builtins()
	if _, err := r.Get("teleport"); !errors.Is(err, verbs.ErrUnknownVerb) {
		t.Fatalf("expected ErrUnknownVerb, got %v", err)
	}
}

func TestBuiltinInventory(t *testing.T) {
	names := verbs.Builtins().List()
	if len(names) != 21 {
		t.Fatalf("expected 21 builtin verbs, got %d: %v", len(names), names)
	}
}

func TestSchemaValidation(t *testing.T) {
	s := verbs.Schema{Fields: []verbs.Field{
		{Name: "request_id", Type: verbs.TypeString, Required: true},
		{Name: "count", Type: verbs.TypeNumber},
	}}
	if err := s.Validate(map[string]any{"count": float64(2)}); err == nil {
		t.Fatalf("missing required arg must fail")
	}
	if err := s.Validate(map[string]any{"request_id": 7}); err == nil {
		t.Fatalf("wrong type must fail")
	}
	if err := s.Validate(map[string]any{"request_id": "vr_1", "extra": true}); err != nil {
		t.Fatalf("undeclared args must pass through: %v", err)
	}
}

func TestSearchPeopleFiltersByMinistry(t *testing.T) {
	e := newTestEnv(t)
	out := run(t, e, "search_people", map[string]any{"filter": map[string]any{"role": "usher"}})
	people := out["people"].([]any)
	if len(people) != 1 || people[0] != "p_2" {
		t.Fatalf("unexpected matches: %v", people)
	}
}

func TestMakeOffersPersistsAndInvites(t *testing.T) {
	e := newTestEnv(t)
	out := run(t, e, "make_offers", map[string]any{
		"request_id": "vr_1",
		"people":     []any{"p_1", "p_2"},
		"role":       "greeter",
		"time":       "2026-03-15T09:00:00Z",
	})
	offers := out["offers"].([]any)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %v", offers)
	}
	if len(e.Transport.sent) != 2 {
		t.Fatalf("expected 2 invites, got %v", e.Transport.sent)
	}
	if _, err := e.Env.Repo.GetOffer(e.Ctx, "vr_1", "p_1"); err != nil {
		t.Fatalf("offer not persisted: %v", err)
	}

	// a retried step must not re-text anyone
	before := len(e.Transport.sent)
	run(t, e, "make_offers", map[string]any{
		"request_id": "vr_1", "people": []any{"p_1", "p_2"}, "role": "greeter",
	})
	if len(e.Transport.sent) != before {
		t.Fatalf("duplicate invite delivered: %v", e.Transport.sent)
	}
}

func TestAssignAndUnassign(t *testing.T) {
	e := newTestEnv(t)
	out := run(t, e, "assign", map[string]any{"request_id": "vr_1", "person": "p_1", "role": "greeter"})
	assignment := out["assignment"].(map[string]any)
	if assignment["state"] != domain.AssignmentAccepted {
		t.Fatalf("unexpected assignment: %v", assignment)
	}
	out = run(t, e, "unassign", map[string]any{"request_id": "vr_1", "person": "p_1"})
	if out["unassigned"] != "p_1" {
		t.Fatalf("unexpected unassign result: %v", out)
	}
	got, err := e.Env.Repo.ListAssignments(e.Ctx, "vr_1", domain.AssignmentCancelled)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected cancelled assignment, got %v err %v", got, err)
	}
}

func TestWaitForRepliesTakesFirstN(t *testing.T) {
	e := newTestEnv(t)
	out := run(t, e, "wait_for_replies", map[string]any{
		"count": float64(2),
		"offers": []any{
			map[string]any{"volunteer_id": "p_1"},
			map[string]any{"volunteer_id": "p_2"},
			map[string]any{"volunteer_id": "p_3"},
		},
	})
	accepted := out["accepted"].([]any)
	if len(accepted) != 2 || accepted[0] != "p_1" || accepted[1] != "p_2" {
		t.Fatalf("unexpected accepted: %v", accepted)
	}
}

func TestDirectoryVerbsHonorTrust(t *testing.T) {
	e := newTestEnv(t)
	v, err := e.Reg.Get("add_event")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, err = v.Run(e.Ctx, map[string]any{"phone": "+15550002222", "title": "Picnic"}, e.Env)
	if !errors.Is(err, directory.ErrUnauthorized) {
		t.Fatalf("member phone must be rejected, got %v", err)
	}
	out := run(t, e, "add_event", map[string]any{
		"phone": "+15550001111", "title": "Picnic",
		"start": "2026-04-01T10:00:00Z", "end": "2026-04-01T12:00:00Z",
	})
	if out["status"] != domain.EventScheduled {
		t.Fatalf("unexpected status: %v", out)
	}
	listed := run(t, e, "list_events", map[string]any{"status": "scheduled"})
	if events := listed["events"].([]any); len(events) != 1 {
		t.Fatalf("expected 1 scheduled event, got %v", events)
	}
}

func TestSearchChurchData(t *testing.T) {
	e := newTestEnv(t)
	run(t, e, "add_facility", map[string]any{"phone": "+15550001111", "name": "Main Hall"})
	run(t, e, "add_facility", map[string]any{"phone": "+15550001111", "name": "Main Annex"})
	out := run(t, e, "search_church_data", map[string]any{"query": "main"})
	facts := out["facts"].([]any)
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %v", facts)
	}
	out = run(t, e, "search_church_data", map[string]any{"query": "main", "limit": float64(1)})
	if facts := out["facts"].([]any); len(facts) != 1 {
		t.Fatalf("limit must cap results, got %v", facts)
	}
}
