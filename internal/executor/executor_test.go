package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rosterline/internal/domain"
	"rosterline/internal/verbs"
)

type callLog struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (l *callLog) add(args map[string]any) {
	l.mu.Lock()
	l.calls = append(l.calls, args)
	l.mu.Unlock()
}

func newTestExecutor(t *testing.T, extra ...verbs.Verb) (*Executor, *callLog) {
	t.Helper()
	log := &callLog{}
	reg := verbs.NewRegistry()
	base := []verbs.Verb{
		{
			Name: "emit_people",
			Run: func(_ context.Context, args map[string]any, _ *verbs.Env) (map[string]any, error) {
				log.add(args)
				return map[string]any{"people": []any{"p_1", "p_2", "p_3"}}, nil
			},
		},
		{
			Name: "capture",
			Run: func(_ context.Context, args map[string]any, _ *verbs.Env) (map[string]any, error) {
				log.add(args)
				return map[string]any{"ok": true}, nil
			},
		},
	}
	for _, v := range append(base, extra...) {
		if err := reg.Register(v); err != nil {
			t.Fatalf("register %s: %v", v.Name, err)
		}
	}
	env := &verbs.Env{Now: func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }}
	return New(reg, env), log
}

func TestOutputsFlowBetweenSteps(t *testing.T) {
	ex, log := newTestExecutor(t)
	plan := domain.Plan{
		Method: "fill_roles",
		Goal:   domain.Goal{Kind: domain.GoalFillRole, Role: "greeter"},
		Steps: []domain.PlanStep{
			{Call: "emit_people", Args: map[string]any{}, Out: "candidates"},
			{Call: "capture", Args: map[string]any{
				"people": "{{candidates.people}}",
				"label":  "role={{goal.role}} n={{len(candidates.people)}}",
			}},
		},
		SuccessWhen: []string{"len(candidates.people) > 0"},
	}
	res, err := ex.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, checks=%v", res.Checks)
	}
	got := log.calls[1]
	people, ok := got["people"].([]any)
	if !ok || len(people) != 3 {
		t.Fatalf("whole placeholder must keep list type, got %T %v", got["people"], got["people"])
	}
	if got["label"] != "role=greeter n=3" {
		t.Fatalf("mixed interpolation: got %q", got["label"])
	}
}

func TestForeachFansOut(t *testing.T) {
	ex, log := newTestExecutor(t)
	plan := domain.Plan{
		Steps: []domain.PlanStep{
			{Call: "emit_people", Args: map[string]any{}, Out: "candidates"},
			{Call: "capture", Foreach: "person in candidates.people", Args: map[string]any{"person": "{{person}}"}},
		},
	}
	res, err := ex.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("empty success_when must default to success")
	}
	if len(log.calls) != 4 {
		t.Fatalf("expected 1 + 3 calls, got %d", len(log.calls))
	}
	if log.calls[1]["person"] != "p_1" || log.calls[3]["person"] != "p_3" {
		t.Fatalf("foreach order wrong: %v", log.calls[1:])
	}
}

func TestForeachRejectsBadSyntaxAndNonList(t *testing.T) {
	ex, _ := newTestExecutor(t)
	_, err := ex.Run(context.Background(), domain.Plan{
		Steps: []domain.PlanStep{{Call: "capture", Foreach: "person over people"}},
	}, nil)
	if !errors.Is(err, ErrBadForeachSyntax) {
		t.Fatalf("want ErrBadForeachSyntax, got %v", err)
	}
	_, err = ex.Run(context.Background(), domain.Plan{
		Steps: []domain.PlanStep{{Call: "capture", Foreach: "person in ctx.notalist"}},
	}, map[string]any{"notalist": "oops"})
	if !errors.Is(err, ErrForeachNotArray) {
		t.Fatalf("want ErrForeachNotArray, got %v", err)
	}
}

func TestUnknownVerbFails(t *testing.T) {
	ex, _ := newTestExecutor(t)
	_, err := ex.Run(context.Background(), domain.Plan{
		Steps: []domain.PlanStep{{Call: "teleport", Args: map[string]any{}}},
	}, nil)
	if err == nil {
		t.Fatalf("unknown verb must fail")
	}
}

func TestBadExpressionBecomesErrorMarker(t *testing.T) {
	ex, log := newTestExecutor(t)
	plan := domain.Plan{
		Steps: []domain.PlanStep{
			{Call: "capture", Args: map[string]any{"v": "value is {{1 +}}"}},
		},
	}
	if _, err := ex.Run(context.Background(), plan, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if log.calls[0]["v"] != "value is {{ERROR:1 +}}" {
		t.Fatalf("got %q", log.calls[0]["v"])
	}
}

func TestSchemaGateStrictAndLenient(t *testing.T) {
	counted := verbs.Verb{
		Name: "counted",
		Schema: verbs.Schema{Fields: []verbs.Field{
			{Name: "count", Type: verbs.TypeNumber, Required: true},
			{Name: "note", Type: verbs.TypeString},
		}},
		Run: func(_ context.Context, args map[string]any, _ *verbs.Env) (map[string]any, error) {
			return map[string]any{"count": args["count"]}, nil
		},
	}
	plan := domain.Plan{
		Steps: []domain.PlanStep{
			{Call: "counted", Args: map[string]any{"count": "3", "note": true}, Out: "res"},
		},
		SuccessWhen: []string{"res.count == 3"},
	}

	ex, _ := newTestExecutor(t, counted)
	if _, err := ex.Run(context.Background(), plan, nil); !errors.Is(err, ErrArgsInvalid) {
		t.Fatalf("strict mode must reject ill-typed args with ErrArgsInvalid, got %v", err)
	}

	ex.LenientRepair = true
	res, err := ex.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("lenient run: %v", err)
	}
	if !res.Success {
		t.Fatalf("coerced count must satisfy check, got %v", res.Checks)
	}
}

func TestLenientRepairKeepsRequiredFailure(t *testing.T) {
	strictVerb := verbs.Verb{
		Name:   "needs_id",
		Schema: verbs.Schema{Fields: []verbs.Field{{Name: "id", Type: verbs.TypeString, Required: true}}},
		Run: func(_ context.Context, args map[string]any, _ *verbs.Env) (map[string]any, error) {
			return nil, nil
		},
	}
	ex, _ := newTestExecutor(t, strictVerb)
	ex.LenientRepair = true
	_, err := ex.Run(context.Background(), domain.Plan{
		Steps: []domain.PlanStep{{Call: "needs_id", Args: map[string]any{}}},
	}, nil)
	if !errors.Is(err, ErrArgsInvalid) {
		t.Fatalf("missing required arg must fail even in lenient mode, got %v", err)
	}
}

func assignVerb() verbs.Verb {
	return verbs.Verb{
		Name: "assign",
		Schema: verbs.Schema{Fields: []verbs.Field{
			{Name: "request_id", Type: verbs.TypeString, Required: true},
			{Name: "person", Type: verbs.TypeString, Required: true},
		}},
		Run: func(_ context.Context, args map[string]any, _ *verbs.Env) (map[string]any, error) {
			return map[string]any{"assigned": args["person"]}, nil
		},
	}
}

func TestLenientAssignTargetFromCandidates(t *testing.T) {
	plan := domain.Plan{
		Steps: []domain.PlanStep{
			{Call: "emit_people", Args: map[string]any{}, Out: "candidates"},
			{Call: "assign", Args: map[string]any{"request_id": "vr_1"}, Out: "res"},
		},
		SuccessWhen: []string{`res.assigned == "p_1"`},
	}

	ex, _ := newTestExecutor(t, assignVerb())
	if _, err := ex.Run(context.Background(), plan, nil); !errors.Is(err, ErrArgsInvalid) {
		t.Fatalf("strict mode must not infer an assignment target, got %v", err)
	}

	ex.LenientRepair = true
	res, err := ex.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("lenient run: %v", err)
	}
	if !res.Success {
		t.Fatalf("first candidate must fill the target, checks=%v", res.Checks)
	}
}

func TestLenientAssignTargetFromOffers(t *testing.T) {
	emitOffers := verbs.Verb{
		Name: "emit_offers",
		Run: func(_ context.Context, _ map[string]any, _ *verbs.Env) (map[string]any, error) {
			return map[string]any{"offers": []any{
				map[string]any{"volunteer_id": "p_9"},
				map[string]any{"volunteer_id": "p_10"},
			}}, nil
		},
	}
	ex, _ := newTestExecutor(t, assignVerb(), emitOffers)
	ex.LenientRepair = true
	// The unknown identifier resolves to nil, which counts as a
	// missing target.
	res, err := ex.Run(context.Background(), domain.Plan{
		Steps: []domain.PlanStep{
			{Call: "emit_offers", Args: map[string]any{}, Out: "offers"},
			{Call: "assign", Args: map[string]any{"request_id": "vr_1", "person": "{{nosuch.person}}"}, Out: "res"},
		},
		SuccessWhen: []string{`res.assigned == "p_9"`},
	}, nil)
	if err != nil {
		t.Fatalf("lenient run: %v", err)
	}
	if !res.Success {
		t.Fatalf("first open offer must fill the target, checks=%v", res.Checks)
	}
}

func TestFailedCheckIsNotAnError(t *testing.T) {
	ex, _ := newTestExecutor(t)
	plan := domain.Plan{
		Steps:       []domain.PlanStep{{Call: "emit_people", Args: map[string]any{}, Out: "candidates"}},
		SuccessWhen: []string{"len(candidates.people) > 5", "len(candidates.people) > 0"},
	}
	res, err := ex.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success {
		t.Fatalf("one failing check must fail the plan")
	}
	if len(res.Checks) != 2 || res.Checks[0].Value || !res.Checks[1].Value {
		t.Fatalf("unexpected checks: %v", res.Checks)
	}
}

func TestBrokenCheckEvaluatesFalse(t *testing.T) {
	ex, _ := newTestExecutor(t)
	plan := domain.Plan{
		Steps:       []domain.PlanStep{{Call: "emit_people", Args: map[string]any{}, Out: "candidates"}},
		SuccessWhen: []string{"candidates.people ++ 1"},
	}
	res, err := ex.Run(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success || res.Checks[0].Value {
		t.Fatalf("unparsable check must count as false")
	}
}
