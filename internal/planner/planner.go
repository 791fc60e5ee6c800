// Package planner turns a goal into an executable plan. The primary
// path asks a Gemini model for a plan and validates it hard; anything
// wrong with the model's output drops to the deterministic method
// sequence for the goal kind, so goal execution never depends on the
// model being up.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"rosterline/internal/domain"
	"rosterline/internal/methods"
	"rosterline/internal/verbs"
)

var ErrPlanValidationFailed = errors.New("plan validation failed")

// Backend produces raw model text for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiBackend calls the Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

func NewGeminiBackend(ctx context.Context, apiKey, model string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiBackend{client: client, model: model}, nil
}

func (b *GeminiBackend) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}

type Planner struct {
	// Backend may be nil, in which case every goal takes the fallback.
	Backend Backend
	Verbs   *verbs.Registry
	Timeout time.Duration
	Emit    func(event string, payload map[string]any)
}

func New(backend Backend, reg *verbs.Registry, timeout time.Duration) *Planner {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Planner{Backend: backend, Verbs: reg, Timeout: timeout}
}

func (p *Planner) emit(event string, payload map[string]any) {
	if p.Emit != nil {
		p.Emit(event, payload)
	}
}

// Plan never fails: an unusable model answer yields the deterministic
// fallback plan for the goal kind. The returned error is non-nil only
// when even the fallback cannot be built (unknown goal kind).
func (p *Planner) Plan(ctx context.Context, goal domain.Goal, sess domain.Session, snapshot map[string]any) (domain.Plan, error) {
	if p.Backend != nil {
		plan, err := p.planWithModel(ctx, goal, sess, snapshot)
		if err == nil {
			return plan, nil
		}
		p.emit("planner.fallback", map[string]any{"reason": err.Error()})
	}
	plan, err := methods.BuildPlan(goal, "Fallback plan: deterministic method sequence (model unavailable or invalid output)")
	if err != nil {
		return domain.Plan{}, err
	}
	plan.ComplexityScore = Complexity(plan)
	return plan, nil
}

func (p *Planner) planWithModel(ctx context.Context, goal domain.Goal, sess domain.Session, snapshot map[string]any) (domain.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	raw, err := p.Backend.Generate(ctx, p.buildPrompt(goal, sess, snapshot))
	if err != nil {
		return domain.Plan{}, err
	}
	payload, err := extractJSON(raw)
	if err != nil {
		return domain.Plan{}, err
	}
	var plan domain.Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return domain.Plan{}, fmt.Errorf("plan not valid JSON: %w", err)
	}
	if err := p.Validate(plan); err != nil {
		return domain.Plan{}, err
	}
	plan.Goal = goal
	plan.ComplexityScore = Complexity(plan)
	return plan, nil
}

// Validate applies the structural rules every plan must pass before it
// can reach the executor, regardless of where it came from.
func (p *Planner) Validate(plan domain.Plan) error {
	if !methods.IsKnown(plan.Method) {
		return fmt.Errorf("%w: unknown method %q", ErrPlanValidationFailed, plan.Method)
	}
	if plan.Rationale == "" {
		return fmt.Errorf("%w: plan missing rationale", ErrPlanValidationFailed)
	}
	if len(plan.Rationale) > 200 {
		return fmt.Errorf("%w: rationale exceeds 200 chars", ErrPlanValidationFailed)
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrPlanValidationFailed)
	}
	for i, s := range plan.Steps {
		if s.Call == "" {
			return fmt.Errorf("%w: step %d missing verb", ErrPlanValidationFailed, i)
		}
		if !p.Verbs.Has(s.Call) {
			return fmt.Errorf("%w: step %d calls unknown verb %q", ErrPlanValidationFailed, i, s.Call)
		}
	}
	return nil
}

// Complexity scores a plan as distinct verbs plus half a point per
// step, rounded to two decimals.
func Complexity(plan domain.Plan) float64 {
	distinct := map[string]struct{}{}
	for _, s := range plan.Steps {
		distinct[s.Call] = struct{}{}
	}
	score := float64(len(distinct)) + 0.5*float64(len(plan.Steps))
	return math.Round(score*100) / 100
}

func (p *Planner) buildPrompt(goal domain.Goal, sess domain.Session, snapshot map[string]any) string {
	goalJSON, _ := json.Marshal(goal)
	snapJSON, _ := json.Marshal(snapshot)
	campus := sess.Campus
	if campus == "" {
		campus = "default"
	}
	return strings.Join([]string{
		"SYSTEM FRAME:\nYou are the Planner. Output valid JSON only. No explanations. Verbs: " + strings.Join(p.Verbs.List(), ", "),
		fmt.Sprintf("SESSION FRAME:\nTenant=%s Campus=%s Snapshot=%s", sess.TenantID, campus, snapJSON),
		"TASK FRAME:\nGoal=" + string(goalJSON),
		"Include a concise overall reasoning string field \"rationale\" (<=120 chars) explaining method/ordering choice.",
		`Return ONLY compact JSON: {"goal":...,"method":...,"rationale":"...","steps":[...],"success_when":[...]}. No extra text.`,
	}, "\n\n")
}

// extractJSON tolerates markdown fences and leading prose around the
// JSON object the model was asked for.
func extractJSON(raw string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(strings.NewReplacer("```json", "", "```", "").Replace(raw))
	if json.Valid([]byte(cleaned)) {
		return json.RawMessage(cleaned), nil
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("model output is not JSON")
	}
	candidate := cleaned[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("model output is not JSON")
	}
	return json.RawMessage(candidate), nil
}
