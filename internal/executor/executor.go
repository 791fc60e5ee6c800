// Package executor runs validated plans step by step. Arguments are
// interpolated against a typed scope, each verb call is schema-checked,
// and the plan's success conditions are evaluated at the end.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"rosterline/internal/domain"
	"rosterline/internal/expr"
	"rosterline/internal/verbs"
)

var (
	placeholderRe = regexp.MustCompile(`{{(.*?)}}`)
	foreachRe     = regexp.MustCompile(`^(\w+)\s+in\s+(.+)$`)
)

var (
	ErrBadForeachSyntax = errors.New("bad foreach syntax")
	ErrForeachNotArray  = errors.New("foreach collection is not a list")
	ErrArgsInvalid      = errors.New("args invalid")
)

type Check struct {
	Expr  string `json:"expr"`
	Value bool   `json:"value"`
}

type ExecutionResult struct {
	Outputs map[string]any `json:"outputs"`
	Success bool           `json:"success"`
	Checks  []Check        `json:"success_checks"`
}

type Executor struct {
	Verbs *verbs.Registry
	Env   *verbs.Env

	// LenientRepair coerces or drops ill-typed optional args instead of
	// failing the step, and infers a missing assign target from prior
	// outputs. Any other missing required arg still fails.
	LenientRepair bool

	Emit func(event string, payload map[string]any)
}

func New(reg *verbs.Registry, env *verbs.Env) *Executor {
	return &Executor{Verbs: reg, Env: env}
}

func (ex *Executor) emit(event string, payload map[string]any) {
	if ex.Emit != nil {
		ex.Emit(event, payload)
	}
}

// Run executes every step of the plan in order. extra becomes the
// "ctx" member of the scope, carrying caller-provided snapshot data.
func (ex *Executor) Run(ctx context.Context, plan domain.Plan, extra map[string]any) (ExecutionResult, error) {
	if extra == nil {
		extra = map[string]any{}
	}
	outputs := map[string]any{}
	scope := map[string]any{
		"goal":    toScopeValue(plan.Goal),
		"ctx":     extra,
		"now":     float64(ex.Env.Now().UnixMilli()),
		"outputs": outputs,
	}

	for i, step := range plan.Steps {
		verb, err := ex.Verbs.Get(step.Call)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("step %d: %w", i, err)
		}
		if step.Foreach != "" {
			m := foreachRe.FindStringSubmatch(step.Foreach)
			if m == nil {
				return ExecutionResult{}, fmt.Errorf("step %d: %w: %q", i, ErrBadForeachSyntax, step.Foreach)
			}
			varName, collectionExpr := m[1], strings.TrimSpace(m[2])
			collection, err := expr.Eval(collectionExpr, scope)
			if err != nil {
				return ExecutionResult{}, fmt.Errorf("step %d foreach: %w", i, err)
			}
			items, ok := collection.([]any)
			if !ok {
				return ExecutionResult{}, fmt.Errorf("step %d: %w: %q", i, ErrForeachNotArray, collectionExpr)
			}
			for _, item := range items {
				local := cloneScope(scope)
				local[varName] = item
				if err := ex.runCall(ctx, verb, step, local, scope, outputs); err != nil {
					return ExecutionResult{}, fmt.Errorf("step %d (%s): %w", i, step.Call, err)
				}
			}
			continue
		}
		if err := ex.runCall(ctx, verb, step, scope, scope, outputs); err != nil {
			return ExecutionResult{}, fmt.Errorf("step %d (%s): %w", i, step.Call, err)
		}
	}

	checks := make([]Check, 0, len(plan.SuccessWhen))
	success := true
	for _, condition := range plan.SuccessWhen {
		value, err := expr.EvalBool(condition, scope)
		if err != nil {
			value = false
		}
		checks = append(checks, Check{Expr: condition, Value: value})
		if !value {
			success = false
		}
	}
	ex.emit("plan.complete", map[string]any{"method": plan.Method, "success": success})
	return ExecutionResult{Outputs: outputs, Success: success, Checks: checks}, nil
}

func (ex *Executor) runCall(ctx context.Context, verb verbs.Verb, step domain.PlanStep, evalScope, scope, outputs map[string]any) error {
	args, err := interpolateMap(step.Args, evalScope)
	if err != nil {
		return err
	}
	if ex.LenientRepair && verb.Name == "assign" {
		repairAssignTarget(args, outputs)
	}
	if err := verb.Schema.Validate(args); err != nil {
		if !ex.LenientRepair {
			return fmt.Errorf("%w: %v", ErrArgsInvalid, err)
		}
		args, err = repairArgs(verb.Schema, args, err)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArgsInvalid, err)
		}
	}
	ex.emit("verb.start", map[string]any{"verb": verb.Name, "args": args})
	res, err := verb.Run(ctx, args, ex.Env)
	if err != nil {
		return err
	}
	ex.emit("verb.end", map[string]any{"verb": verb.Name, "result": res})
	if step.Out != "" {
		outputs[step.Out] = toScopeValue(res)
		scope[step.Out] = outputs[step.Out]
	}
	return nil
}

// repairAssignTarget fills an absent or unresolved assignment target
// from prior outputs: the first surfaced candidate, else the first
// open offer. Best-effort shim for imperfect upstream plans; strict
// mode never runs it.
func repairAssignTarget(args, outputs map[string]any) {
	if !targetUnresolved(args["person"]) {
		return
	}
	if out, ok := outputs["candidates"].(map[string]any); ok {
		if people, ok := out["people"].([]any); ok && len(people) > 0 {
			if id, ok := people[0].(string); ok && id != "" {
				args["person"] = id
				return
			}
		}
	}
	if out, ok := outputs["offers"].(map[string]any); ok {
		if offers, ok := out["offers"].([]any); ok && len(offers) > 0 {
			if offer, ok := offers[0].(map[string]any); ok {
				if id, ok := offer["volunteer_id"].(string); ok && id != "" {
					args["person"] = id
				}
			}
		}
	}
}

func targetUnresolved(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return s == "" || strings.HasPrefix(s, "{{ERROR:")
}

// repairArgs retries validation after coercing ill-typed values and
// dropping optional args that still do not fit. A missing or
// unrepairable required arg keeps the original error.
func repairArgs(schema verbs.Schema, args map[string]any, orig error) (map[string]any, error) {
	repaired := make(map[string]any, len(args))
	for k, v := range args {
		repaired[k] = v
	}
	for _, f := range schema.Fields {
		v, present := repaired[f.Name]
		if !present || v == nil {
			continue
		}
		if fits(f.Type, v) {
			continue
		}
		if coerced, ok := coerce(f.Type, v); ok {
			repaired[f.Name] = coerced
			continue
		}
		if f.Required {
			return nil, orig
		}
		delete(repaired, f.Name)
	}
	if err := schema.Validate(repaired); err != nil {
		return nil, orig
	}
	return repaired, nil
}

func fits(fieldType string, v any) bool {
	f := verbs.Field{Name: "x", Type: fieldType}
	return verbs.Schema{Fields: []verbs.Field{f}}.Validate(map[string]any{"x": v}) == nil
}

func coerce(fieldType string, v any) (any, bool) {
	switch fieldType {
	case verbs.TypeNumber:
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n, true
			}
		}
	case verbs.TypeString:
		switch t := v.(type) {
		case float64:
			return formatNumber(t), true
		case bool:
			return strconv.FormatBool(t), true
		}
	case verbs.TypeList:
		return []any{v}, true
	case verbs.TypeBool:
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b, true
			}
		}
	}
	return nil, false
}

// interpolateValue resolves {{expr}} placeholders. A string that is a
// single whole placeholder takes the expression's value with its type
// intact; mixed content stringifies each resolved piece. A failed
// expression becomes an error marker rather than aborting the step,
// matching the forgiving treatment of optional scope members.
func interpolateValue(v any, scope map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		if !strings.Contains(t, "{{") {
			return t, nil
		}
		return interpolateString(t, scope), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := interpolateValue(e, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		return interpolateMap(t, scope)
	default:
		return v, nil
	}
}

func interpolateMap(m map[string]any, scope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		r, err := interpolateValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func interpolateString(s string, scope map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			v, err := expr.Eval(strings.TrimSpace(inner), scope)
			if err != nil {
				return fmt.Sprintf("{{ERROR:%s}}", strings.TrimSpace(inner))
			}
			return v
		}
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		v, err := expr.Eval(inner, scope)
		if err != nil {
			return fmt.Sprintf("{{ERROR:%s}}", inner)
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return formatNumber(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func cloneScope(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scope)+1)
	for k, v := range scope {
		out[k] = v
	}
	return out
}

func toScopeValue(v any) any {
	return verbs.ToScope(v)
}
