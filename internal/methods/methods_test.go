package methods

import (
	"testing"

	"rosterline/internal/domain"
)

func TestLoadKnownDefinitions(t *testing.T) {
	for _, name := range Known() {
		def, err := Load(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if def.Method != name {
			t.Fatalf("method name mismatch: %q", def.Method)
		}
		if len(def.Steps) == 0 {
			t.Fatalf("%s has no steps", name)
		}
		for _, s := range def.Steps {
			if s.Call == "" {
				t.Fatalf("%s has a step without a verb", name)
			}
		}
	}
}

func TestLoadUnknownFails(t *testing.T) {
	if _, err := Load("teleport_everyone"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestBuildPlanForGoalKinds(t *testing.T) {
	cases := map[string]string{
		domain.GoalFillRole:         "fill_roles",
		domain.GoalRebalanceTargets: "rebalance_roles",
		domain.GoalCancelRequest:    "cancel_request",
	}
	for kind, want := range cases {
		plan, err := BuildPlan(domain.Goal{Kind: kind, Role: "greeter"}, "test")
		if err != nil {
			t.Fatalf("build %s: %v", kind, err)
		}
		if plan.Method != want {
			t.Fatalf("goal %s: got method %s, want %s", kind, plan.Method, want)
		}
		if plan.Goal.Role != "greeter" {
			t.Fatalf("goal not carried into plan")
		}
	}
	if _, err := BuildPlan(domain.Goal{Kind: "Dance"}, "test"); err == nil {
		t.Fatalf("unknown goal kind must fail")
	}
}

func TestBuildPlanCopiesArgs(t *testing.T) {
	a, err := BuildPlan(domain.Goal{Kind: domain.GoalFillRole}, "test")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := BuildPlan(domain.Goal{Kind: domain.GoalFillRole}, "test")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a.Steps[0].Args["filter"].(map[string]any)["role"] = "mutated"
	if b.Steps[0].Args["filter"].(map[string]any)["role"] == "mutated" {
		t.Fatalf("plans must not share arg maps")
	}
}
