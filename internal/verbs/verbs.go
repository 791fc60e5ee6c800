// Package verbs holds the registry of primitive actions a plan may
// call. Each verb is deterministic given its adapters and keeps side
// effects behind the Env it receives.
package verbs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"rosterline/internal/directory"
	"rosterline/internal/repo"
	"rosterline/internal/sms"
)

var ErrUnknownVerb = errors.New("unknown verb")

// Env is the adapter set verbs run against.
type Env struct {
	Now       func() time.Time
	Emit      func(event string, payload map[string]any)
	Repo      repo.Repo
	Directory *directory.Engine
	SMS       *sms.Sender
	NewID     func(prefix string) string
}

func (e *Env) emit(event string, payload map[string]any) {
	if e.Emit != nil {
		e.Emit(event, payload)
	}
}

func (e *Env) nowIso() string {
	return e.Now().UTC().Format(time.RFC3339)
}

type RunFunc func(ctx context.Context, args map[string]any, env *Env) (map[string]any, error)

type Verb struct {
	Name   string
	Schema Schema
	Run    RunFunc
}

type Registry struct {
	verbs map[string]Verb
}

func NewRegistry() *Registry {
	return &Registry{verbs: make(map[string]Verb)}
}

// Register adds a verb. Registering the same name twice is a
// programming error and fails loudly.
func (r *Registry) Register(v Verb) error {
	if _, exists := r.verbs[v.Name]; exists {
		return fmt.Errorf("verb already registered: %s", v.Name)
	}
	r.verbs[v.Name] = v
	return nil
}

func (r *Registry) Get(name string) (Verb, error) {
	v, ok := r.verbs[name]
	if !ok {
		return Verb{}, fmt.Errorf("%w: %s", ErrUnknownVerb, name)
	}
	return v, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.verbs[name]
	return ok
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.verbs))
	for name := range r.verbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToScope round-trips a typed value through JSON into plain maps and
// slices so plan expressions can traverse it.
func ToScope(v any) any {
	return toAny(v)
}

// Field types accepted by schemas.
const (
	TypeString = "string"
	TypeNumber = "number"
	TypeBool   = "bool"
	TypeList   = "list"
	TypeMap    = "map"
	TypeAny    = "any"
)

type Field struct {
	Name     string
	Type     string
	Required bool
}

// Schema is a flat field-spec for verb arguments. Unknown args pass
// through untouched; validation only guards the declared fields.
type Schema struct {
	Fields []Field
}

func (s Schema) Validate(args map[string]any) error {
	for _, f := range s.Fields {
		v, present := args[f.Name]
		if !present || v == nil {
			if f.Required {
				return fmt.Errorf("missing required arg %q", f.Name)
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return err
		}
	}
	return nil
}

func checkType(f Field, v any) error {
	ok := true
	switch f.Type {
	case TypeString:
		_, ok = v.(string)
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case TypeBool:
		_, ok = v.(bool)
	case TypeList:
		_, ok = v.([]any)
	case TypeMap:
		_, ok = v.(map[string]any)
	case TypeAny:
	default:
		return fmt.Errorf("schema field %q has unknown type %q", f.Name, f.Type)
	}
	if !ok {
		return fmt.Errorf("arg %q must be %s, got %T", f.Name, f.Type, v)
	}
	return nil
}
