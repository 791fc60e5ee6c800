// Package registry owns the fill-request state machine: creation,
// joining, target adjustment, the two-phase reduction negotiation, and
// progress accounting. No other component mutates a request's counters.
//
// The registry is deliberately not internally locked. Its invariants
// span multiple reads and writes, so every mutating call must happen
// inside a locks.Manager scope for the request's resource key.
package registry

import (
	"errors"
	"fmt"
	"time"

	"rosterline/internal/keys"
)

type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusOverfill        Status = "overfill"
	StatusClosed          Status = "closed"
)

// History actions.
const (
	ActionCreated       = "created"
	ActionJoined        = "joined"
	ActionTargetChanged = "target_changed"
	ActionClosed        = "closed"
)

var (
	ErrNotFound         = errors.New("fill request not found")
	ErrInvalidTarget    = errors.New("target must be positive")
	ErrNoPendingRelease = errors.New("no pending release")
)

type HistoryEntry struct {
	TS     string `json:"ts"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	From   int    `json:"from,omitempty"`
	To     int    `json:"to,omitempty"`
}

// PendingRelease is an unresolved proposal to reduce a request's target
// below its currently accepted count.
type PendingRelease struct {
	RequestedTarget int    `json:"requested_target"`
	Excess          int    `json:"excess"`
	Actor           string `json:"actor"`
	TS              string `json:"ts"`
}

type FillRequest struct {
	ID             string          `json:"id"`
	ResourceKey    string          `json:"resource_key"`
	Role           string          `json:"role"`
	Time           string          `json:"time"`
	EventID        string          `json:"event_id,omitempty"`
	Campus         string          `json:"campus,omitempty"`
	TargetCount    int             `json:"target_count"`
	AcceptedCount  int             `json:"accepted_count"`
	Watchers       []string        `json:"watchers"`
	Status         Status          `json:"status"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	History        []HistoryEntry  `json:"history"`
	PendingRelease *PendingRelease `json:"pending_release,omitempty"`
}

// EmitFunc receives registry lifecycle events for the audit log.
type EmitFunc func(eventType string, payload map[string]any)

type Registry struct {
	byID       map[string]*FillRequest
	byResource map[string]string
	order      []string
	seq        int
	Now        func() time.Time
	Emit       EmitFunc
}

func New() *Registry {
	return &Registry{
		byID:       make(map[string]*FillRequest),
		byResource: make(map[string]string),
		Now:        time.Now,
	}
}

func (r *Registry) now() string {
	return r.Now().UTC().Format(time.RFC3339)
}

func (r *Registry) emit(eventType string, payload map[string]any) {
	if r.Emit != nil {
		r.Emit(eventType, payload)
	}
}

// Get returns the request tracked under a resource key, if any.
func (r *Registry) Get(resourceKey string) (*FillRequest, bool) {
	id, ok := r.byResource[resourceKey]
	if !ok {
		return nil, false
	}
	req, ok := r.byID[id]
	return req, ok
}

// GetByID returns the request with the given id, if tracked.
func (r *Registry) GetByID(id string) (*FillRequest, bool) {
	req, ok := r.byID[id]
	return req, ok
}

// ListActive returns all requests not yet closed, in creation order.
func (r *Registry) ListActive() []*FillRequest {
	out := make([]*FillRequest, 0, len(r.order))
	for _, id := range r.order {
		if req := r.byID[id]; req != nil && req.Status != StatusClosed {
			out = append(out, req)
		}
	}
	return out
}

type EnsureParams struct {
	Role            string
	Time            string
	EventID         string
	Campus          string
	TargetIncrement int
	Actor           string
}

type EnsureResult struct {
	Request *FillRequest
	Created bool
}

// Ensure creates the request for a slot on first sight, or joins the
// actor to the existing one, raising the target by TargetIncrement when
// positive. The returned request always reflects current standing.
func (r *Registry) Ensure(p EnsureParams) (EnsureResult, error) {
	resourceKey, err := keys.Canonical(keys.Parts{Role: p.Role, Time: p.Time, EventID: p.EventID, Campus: p.Campus})
	if err != nil {
		return EnsureResult{}, err
	}
	now := r.now()
	if existing, ok := r.Get(resourceKey); ok {
		if !containsWatcher(existing.Watchers, p.Actor) {
			existing.Watchers = append(existing.Watchers, p.Actor)
			existing.History = append(existing.History, HistoryEntry{TS: now, Actor: p.Actor, Action: ActionJoined})
		}
		if p.TargetIncrement > 0 {
			from := existing.TargetCount
			existing.TargetCount += p.TargetIncrement
			existing.History = append(existing.History, HistoryEntry{TS: now, Actor: p.Actor, Action: ActionTargetChanged, From: from, To: existing.TargetCount})
			r.emit("request.target_raised", map[string]any{"id": existing.ID, "from": from, "to": existing.TargetCount})
		} else {
			r.emit("request.joined", map[string]any{"id": existing.ID, "actor": p.Actor})
		}
		existing.UpdatedAt = now
		r.recomputeStatus(existing)
		return EnsureResult{Request: existing, Created: false}, nil
	}

	r.seq++
	req := &FillRequest{
		ID:            fmt.Sprintf("vr_%d", r.seq),
		ResourceKey:   resourceKey,
		Role:          p.Role,
		Time:          p.Time,
		EventID:       p.EventID,
		Campus:        p.Campus,
		TargetCount:   p.TargetIncrement,
		AcceptedCount: 0,
		Watchers:      []string{p.Actor},
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
		History:       []HistoryEntry{{TS: now, Actor: p.Actor, Action: ActionCreated, To: p.TargetIncrement}},
	}
	r.byID[req.ID] = req
	r.byResource[resourceKey] = req.ID
	r.order = append(r.order, req.ID)
	r.emit("request.created", map[string]any{"id": req.ID, "resource_key": resourceKey, "target": req.TargetCount})
	return EnsureResult{Request: req, Created: true}, nil
}

// AdjustOutcome reports how an AdjustTarget call landed.
type AdjustOutcome string

const (
	AdjustChanged   AdjustOutcome = "changed"
	AdjustUnchanged AdjustOutcome = "unchanged"
	AdjustProposed  AdjustOutcome = "proposed"
)

type AdjustResult struct {
	Outcome AdjustOutcome
	Request *FillRequest
}

// AdjustTarget sets a new target for the request at resourceKey.
// Reducing below the accepted count never mutates the target; it only
// records a pending release for an explicit follow-up disposition.
func (r *Registry) AdjustTarget(resourceKey string, newTarget int, actor string) (AdjustResult, error) {
	req, ok := r.Get(resourceKey)
	if !ok {
		return AdjustResult{}, ErrNotFound
	}
	if newTarget <= 0 {
		return AdjustResult{}, ErrInvalidTarget
	}
	now := r.now()
	prev := req.TargetCount
	if newTarget < req.AcceptedCount {
		excess := req.AcceptedCount - newTarget
		req.PendingRelease = &PendingRelease{RequestedTarget: newTarget, Excess: excess, Actor: actor, TS: now}
		r.emit("request.target_reduction_proposed", map[string]any{"id": req.ID, "from": prev, "to": newTarget, "excess": excess, "actor": actor})
		return AdjustResult{Outcome: AdjustProposed, Request: req}, nil
	}
	if newTarget == prev {
		return AdjustResult{Outcome: AdjustUnchanged, Request: req}, nil
	}
	req.TargetCount = newTarget
	req.UpdatedAt = now
	req.History = append(req.History, HistoryEntry{TS: now, Actor: actor, Action: ActionTargetChanged, From: prev, To: newTarget})
	r.recomputeStatus(req)
	r.emit("request.target_changed", map[string]any{"id": req.ID, "from": prev, "to": newTarget, "actor": actor})
	return AdjustResult{Outcome: AdjustChanged, Request: req}, nil
}

// ReleaseMode selects the disposition of a pending reduction.
type ReleaseMode string

const (
	ReleaseKeep   ReleaseMode = "keep"
	ReleaseExcess ReleaseMode = "release"
)

type FinalizeResult struct {
	Request  *FillRequest
	Released int
}

// FinalizeRelease resolves a pending reduction. Keep absorbs the current
// headcount as the new target. Release expects the caller to have
// cancelled exactly the pending excess of assignments (most recently
// accepted first) before calling; it then drops the accepted count by
// that excess and adopts the requested target.
func (r *Registry) FinalizeRelease(resourceKey string, mode ReleaseMode, actor string) (FinalizeResult, error) {
	req, ok := r.Get(resourceKey)
	if !ok {
		return FinalizeResult{}, ErrNotFound
	}
	if req.PendingRelease == nil {
		return FinalizeResult{}, ErrNoPendingRelease
	}
	pending := *req.PendingRelease
	now := r.now()
	prev := req.TargetCount
	switch mode {
	case ReleaseKeep:
		req.TargetCount = req.AcceptedCount
		req.History = append(req.History, HistoryEntry{TS: now, Actor: actor, Action: ActionTargetChanged, From: prev, To: req.TargetCount})
		req.PendingRelease = nil
		req.UpdatedAt = now
		r.recomputeStatus(req)
		r.emit("request.target_reduction_kept_all", map[string]any{"id": req.ID, "accepted": req.AcceptedCount, "target": req.TargetCount, "actor": actor})
		return FinalizeResult{Request: req}, nil
	case ReleaseExcess:
		req.AcceptedCount -= pending.Excess
		req.TargetCount = pending.RequestedTarget
		req.History = append(req.History, HistoryEntry{TS: now, Actor: actor, Action: ActionTargetChanged, From: prev, To: req.TargetCount})
		req.PendingRelease = nil
		req.UpdatedAt = now
		r.recomputeStatus(req)
		r.emit("request.target_reduced_final", map[string]any{"id": req.ID, "target": req.TargetCount, "released": pending.Excess, "actor": actor})
		return FinalizeResult{Request: req, Released: pending.Excess}, nil
	default:
		return FinalizeResult{}, fmt.Errorf("finalize release: unknown mode %q", mode)
	}
}

// IncrementAccepted adjusts the accepted count as offers resolve. A
// missing request is a no-op; acceptances can race request close-out.
func (r *Registry) IncrementAccepted(resourceKey string, delta int) {
	req, ok := r.Get(resourceKey)
	if !ok {
		return
	}
	req.AcceptedCount += delta
	req.UpdatedAt = r.now()
	r.recomputeStatus(req)
	r.emit("request.progress", map[string]any{"id": req.ID, "accepted": req.AcceptedCount, "target": req.TargetCount, "status": string(req.Status)})
}

// MarkOverfill sets the sticky overfill status.
func (r *Registry) MarkOverfill(resourceKey string) error {
	req, ok := r.Get(resourceKey)
	if !ok {
		return ErrNotFound
	}
	req.Status = StatusOverfill
	req.UpdatedAt = r.now()
	r.emit("request.overfill", map[string]any{"id": req.ID})
	return nil
}

// Close transitions a request to its terminal state. When the close-out
// happens (after the event, on cancellation) is the caller's policy.
func (r *Registry) Close(resourceKey, actor string) error {
	req, ok := r.Get(resourceKey)
	if !ok {
		return ErrNotFound
	}
	now := r.now()
	req.Status = StatusClosed
	req.PendingRelease = nil
	req.UpdatedAt = now
	req.History = append(req.History, HistoryEntry{TS: now, Actor: actor, Action: ActionClosed})
	r.emit("request.closed", map[string]any{"id": req.ID, "actor": actor})
	return nil
}

// recomputeStatus derives status from the counters. Overfill is sticky:
// once set, count-driven recomputation leaves it alone. Closed is
// terminal.
func (r *Registry) recomputeStatus(req *FillRequest) {
	if req.Status == StatusOverfill || req.Status == StatusClosed {
		return
	}
	switch {
	case req.AcceptedCount >= req.TargetCount:
		req.Status = StatusFilled
	case req.AcceptedCount > 0:
		req.Status = StatusPartiallyFilled
	default:
		req.Status = StatusOpen
	}
}

func containsWatcher(watchers []string, actor string) bool {
	for _, w := range watchers {
		if w == actor {
			return true
		}
	}
	return false
}
