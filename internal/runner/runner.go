// Package runner drives one goal from intent to executed plan.
package runner

import (
	"context"
	"time"

	"rosterline/internal/domain"
	"rosterline/internal/executor"
	"rosterline/internal/planner"
)

type Runner struct {
	Planner  *planner.Planner
	Executor *executor.Executor
	Now      func() time.Time
	Emit     func(event string, payload map[string]any)
}

func New(p *planner.Planner, ex *executor.Executor) *Runner {
	return &Runner{Planner: p, Executor: ex, Now: time.Now}
}

type RunResult struct {
	Plan      domain.Plan     `json:"plan"`
	Execution executor.ExecutionResult `json:"execution"`
}

func (r *Runner) emit(event string, payload map[string]any) {
	if r.Emit != nil {
		r.Emit(event, payload)
	}
}

// Run plans the goal and executes the result. extra is merged into the
// execution scope's ctx member; the runner adds the standing values
// every method expects, like the offer expiry horizon.
func (r *Runner) Run(ctx context.Context, goal domain.Goal, sess domain.Session, extra map[string]any) (RunResult, error) {
	r.emit("goal.start", map[string]any{"goal": goal})
	plan, err := r.Planner.Plan(ctx, goal, sess, extra)
	if err != nil {
		r.emit("goal.end", map[string]any{"success": false, "error": err.Error()})
		return RunResult{}, err
	}
	r.emit("planner.output", map[string]any{
		"method": plan.Method, "rationale": plan.Rationale, "complexity": plan.ComplexityScore,
	})

	scope := map[string]any{}
	for k, v := range extra {
		scope[k] = v
	}
	if _, ok := scope["offer_expires_at"]; !ok {
		scope["offer_expires_at"] = r.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	}
	execution, err := r.Executor.Run(ctx, plan, scope)
	if err != nil {
		r.emit("goal.end", map[string]any{"success": false, "error": err.Error()})
		return RunResult{Plan: plan}, err
	}
	r.emit("goal.end", map[string]any{"success": execution.Success})
	return RunResult{Plan: plan, Execution: execution}, nil
}
