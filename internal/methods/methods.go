// Package methods holds the curated playbooks a goal can be satisfied
// with. Each definition lives in an embedded YAML file and doubles as
// the deterministic fallback when the planner produces nothing usable.
package methods

import (
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"rosterline/internal/domain"
)

//go:embed defs/*.yaml
var defsFS embed.FS

type StepDef struct {
	Call    string         `yaml:"call"`
	Args    map[string]any `yaml:"args"`
	Out     string         `yaml:"out"`
	Foreach string         `yaml:"foreach"`
}

type Def struct {
	Method       string    `yaml:"method"`
	ApplicableIf string    `yaml:"applicable_if"`
	Steps        []StepDef `yaml:"steps"`
	SuccessWhen  []string  `yaml:"success_when"`
}

var (
	mu    sync.Mutex
	cache = map[string]Def{}
)

// Known lists the method names a plan may reference.
func Known() []string {
	return []string{"fill_roles", "rebalance_roles", "cancel_request"}
}

func IsKnown(name string) bool {
	for _, m := range Known() {
		if m == name {
			return true
		}
	}
	return false
}

// Load reads a method definition by name. Definitions are cached for
// the process lifetime.
func Load(name string) (Def, error) {
	mu.Lock()
	defer mu.Unlock()
	if def, ok := cache[name]; ok {
		return def, nil
	}
	data, err := defsFS.ReadFile("defs/" + name + ".yaml")
	if err != nil {
		return Def{}, fmt.Errorf("method %s: %w", name, err)
	}
	var def Def
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Def{}, fmt.Errorf("method %s: %w", name, err)
	}
	if def.Method != name {
		return Def{}, fmt.Errorf("method name mismatch in defs/%s.yaml: %q", name, def.Method)
	}
	cache[name] = def
	return def, nil
}

// ForGoal maps a goal kind to the method that satisfies it.
func ForGoal(kind string) (string, error) {
	switch kind {
	case domain.GoalFillRole:
		return "fill_roles", nil
	case domain.GoalRebalanceTargets:
		return "rebalance_roles", nil
	case domain.GoalCancelRequest:
		return "cancel_request", nil
	default:
		return "", fmt.Errorf("no method for goal kind %q", kind)
	}
}

// BuildPlan turns a method definition into a concrete plan for the
// goal. The step templates stay symbolic; the executor resolves them
// against the runtime scope.
func BuildPlan(goal domain.Goal, rationale string) (domain.Plan, error) {
	name, err := ForGoal(goal.Kind)
	if err != nil {
		return domain.Plan{}, err
	}
	def, err := Load(name)
	if err != nil {
		return domain.Plan{}, err
	}
	steps := make([]domain.PlanStep, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, domain.PlanStep{
			Call:    s.Call,
			Args:    cloneArgs(s.Args),
			Out:     s.Out,
			Foreach: s.Foreach,
		})
	}
	return domain.Plan{
		Goal:        goal,
		Method:      name,
		Rationale:   rationale,
		Steps:       steps,
		SuccessWhen: append([]string(nil), def.SuccessWhen...),
	}, nil
}

func cloneArgs(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
