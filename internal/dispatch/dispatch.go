// Package dispatch routes inbound texts. A bare yes/no resolves the
// sender's most recent offer directly; everything else is classified
// and handled per intent. Every registry mutation runs inside the lock
// scope for the request's resource key.
package dispatch

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"rosterline/internal/directory"
	"rosterline/internal/domain"
	"rosterline/internal/keys"
	"rosterline/internal/locks"
	"rosterline/internal/registry"
	"rosterline/internal/repo"
	"rosterline/internal/reply"
	"rosterline/internal/verbs"
)

var (
	yesRe = regexp.MustCompile(`^(?i)(yes|y)$`)
	noRe  = regexp.MustCompile(`^(?i)(no|n)$`)
)

type Message struct {
	From       string `json:"from"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at,omitempty"`
}

// Result is what the caller relays back to the sender. A zero Reply
// means the message was recorded but warrants no response.
type Result struct {
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
	Reply   string         `json:"reply,omitempty"`
}

// IntentClassifier labels an inbound text.
type IntentClassifier interface {
	Classify(ctx context.Context, text, from string) domain.Intent
}

// ReplyWriter drafts the outbound response line.
type ReplyWriter interface {
	Generate(ctx context.Context, opts reply.Opts) string
}

type Dispatcher struct {
	Repo       repo.Repo
	Registry   *registry.Registry
	Locks      *locks.Manager
	Classifier IntentClassifier
	Replies    ReplyWriter
	Verbs      *verbs.Registry
	Env        *verbs.Env

	Now  func() time.Time
	Emit func(event string, payload map[string]any)

	// PendingExpiry bounds how long a half-finished add-event
	// conversation stays resumable.
	PendingExpiry time.Duration

	mu         sync.Mutex
	pendingAdd map[string]*pendingAddEvent
}

type pendingAddEvent struct {
	Slots        map[string]any
	DraftEventID string
	CreatedAt    time.Time
}

func New(r repo.Repo, reg *registry.Registry, lm *locks.Manager, cls IntentClassifier, replies ReplyWriter, vr *verbs.Registry, env *verbs.Env) *Dispatcher {
	return &Dispatcher{
		Repo:          r,
		Registry:      reg,
		Locks:         lm,
		Classifier:    cls,
		Replies:       replies,
		Verbs:         vr,
		Env:           env,
		Now:           time.Now,
		PendingExpiry: 10 * time.Minute,
		pendingAdd:    make(map[string]*pendingAddEvent),
	}
}

func (d *Dispatcher) emit(event string, payload map[string]any) {
	if d.Emit != nil {
		d.Emit(event, payload)
	}
}

func (d *Dispatcher) nowIso() string {
	return d.Now().UTC().Format(time.RFC3339)
}

// Handle processes one inbound message and returns the routing result.
// Internal failures never escape to the sender; they are logged and
// answered with a generic reply.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (Result, error) {
	res, err := d.route(ctx, msg)
	if err != nil {
		d.emit("inbound.error", map[string]any{"from": msg.From, "error": err.Error()})
		return Result{
			Kind:  "error",
			Reply: "Sorry, could not complete that. Please try again.",
		}, nil
	}
	return res, nil
}

func (d *Dispatcher) route(ctx context.Context, msg Message) (Result, error) {
	body := strings.TrimSpace(msg.Body)
	pending := d.pendingFor(msg.From)

	if offer, ok := d.latestOffer(ctx, msg.From); ok {
		switch {
		case yesRe.MatchString(body):
			return d.acceptOffer(ctx, offer)
		case noRe.MatchString(body):
			return d.declineOffer(ctx, offer)
		}
	}

	intent := d.Classifier.Classify(ctx, body, msg.From)
	d.emit("intent.classified", map[string]any{"intent": intent.Intent, "confidence": intent.Confidence})

	switch intent.Intent {
	case "ask_status":
		return d.askStatus(ctx)
	case "fill_role_request":
		return d.fillRole(ctx, msg.From, intent.Slots)
	case "staff_reduce_target":
		return d.reduceTarget(ctx, msg.From, intent.Slots)
	case "staff_keep_all", "staff_release_excess":
		return d.resolveRelease(ctx, msg.From, intent.Intent)
	}
	if intent.Intent == "staff_add_event" || pending != nil {
		return d.addEvent(ctx, msg.From, pending, intent.Slots)
	}
	if intent.Intent == "unknown" {
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "clarify",
			RequiredPhrases: []string{"clarify"},
			Context:         map[string]any{"original": body},
		})
		return Result{Kind: "unhandled", Details: map[string]any{"body": body}, Reply: text}, nil
	}
	return Result{Kind: "unhandled", Details: map[string]any{"body": body, "intent": intent.Intent}}, nil
}

// latestOffer resolves the sender's phone to a person and returns their
// most recent unexpired offer.
func (d *Dispatcher) latestOffer(ctx context.Context, from string) (domain.Offer, bool) {
	volunteerID := from
	if p, err := d.Repo.GetPersonByPhone(ctx, from); err == nil {
		volunteerID = p.ID
	}
	offer, err := d.Repo.LatestOfferForVolunteer(ctx, volunteerID)
	if err != nil {
		return domain.Offer{}, false
	}
	if offer.ExpiresAt != "" && offer.ExpiresAt < d.nowIso() {
		return domain.Offer{}, false
	}
	return offer, true
}

func (d *Dispatcher) acceptOffer(ctx context.Context, offer domain.Offer) (Result, error) {
	assign, err := d.Verbs.Get("assign")
	if err != nil {
		return Result{}, err
	}
	if _, err := assign.Run(ctx, map[string]any{
		"request_id": offer.RequestID,
		"person":     offer.VolunteerID,
		"role":       offer.Ministry,
	}, d.Env); err != nil {
		return Result{}, err
	}
	if req, ok := d.Registry.GetByID(offer.RequestID); ok {
		key := req.ResourceKey
		_ = d.Locks.WithLock(key, func() error {
			d.Registry.IncrementAccepted(key, 1)
			return nil
		})
	}
	// The offer is resolved; a repeated yes must not assign twice.
	if err := d.Repo.DeleteOffer(ctx, offer.RequestID, offer.VolunteerID); err != nil {
		return Result{}, err
	}
	text := d.Replies.Generate(ctx, reply.Opts{
		Kind:            "offer.accepted",
		RequiredPhrases: []string{"Thank you"},
		Context:         map[string]any{"role": offer.Ministry, "request_id": offer.RequestID},
	})
	d.emit("offer.accepted", map[string]any{"volunteer": offer.VolunteerID, "request_id": offer.RequestID})
	return Result{
		Kind:    "offer.accepted",
		Details: map[string]any{"volunteer": offer.VolunteerID, "ministry": offer.Ministry},
		Reply:   text,
	}, nil
}

func (d *Dispatcher) declineOffer(ctx context.Context, offer domain.Offer) (Result, error) {
	if err := d.Repo.DeleteOffer(ctx, offer.RequestID, offer.VolunteerID); err != nil {
		return Result{}, err
	}
	text := d.Replies.Generate(ctx, reply.Opts{
		Kind:            "offer.declined",
		RequiredPhrases: []string{"Got it"},
		Context:         map[string]any{"role": offer.Ministry},
	})
	d.emit("offer.declined", map[string]any{"volunteer": offer.VolunteerID, "request_id": offer.RequestID})
	return Result{
		Kind:    "offer.declined",
		Details: map[string]any{"volunteer": offer.VolunteerID, "ministry": offer.Ministry},
		Reply:   text,
	}, nil
}

func (d *Dispatcher) askStatus(ctx context.Context) (Result, error) {
	events, err := d.Env.Directory.FilterEvents(ctx, directory.EventFilter{})
	if err != nil {
		return Result{}, err
	}
	count := len(events)
	text := d.Replies.Generate(ctx, reply.Opts{
		Kind:            "ask_status",
		RequiredPhrases: []string{"events"},
		Context:         map[string]any{"eventsCount": count},
	})
	return Result{Kind: "ask_status", Details: map[string]any{"eventsCount": count}, Reply: text}, nil
}

func (d *Dispatcher) fillRole(ctx context.Context, from string, slots map[string]any) (Result, error) {
	role := stringOf(slots["role"])
	slotTime := stringOf(slots["time"])
	count := intOf(slots["count"], 0)
	var missing []string
	if role == "" {
		missing = append(missing, "role")
	}
	if count <= 0 {
		missing = append(missing, "count")
	}
	if slotTime == "" {
		missing = append(missing, "time")
	}
	if len(missing) > 0 {
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "clarify.fill_role",
			RequiredPhrases: []string{"need"},
			Context:         map[string]any{"missing": missing},
		})
		return Result{Kind: "fill_role.pending", Details: map[string]any{"missing": missing}, Reply: text}, nil
	}
	parts := keys.Parts{Role: role, Time: slotTime, EventID: stringOf(slots["event_id"]), Campus: stringOf(slots["campus"])}
	resourceKey, err := keys.Canonical(parts)
	if err != nil {
		return Result{Kind: "fill_role.invalid", Reply: "I could not read that time. Try e.g. 2026-03-15 09:00."}, nil
	}
	var res registry.EnsureResult
	lockErr := d.Locks.WithLock(resourceKey, func() error {
		var err error
		res, err = d.Registry.Ensure(registry.EnsureParams{
			Role:            role,
			Time:            slotTime,
			EventID:         parts.EventID,
			Campus:          parts.Campus,
			TargetIncrement: count,
			Actor:           from,
		})
		return err
	})
	if lockErr != nil {
		return Result{}, lockErr
	}
	req := res.Request
	if !res.Created {
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "fill_role.joined",
			RequiredPhrases: []string{"Already active"},
			Context:         map[string]any{"accepted": req.AcceptedCount, "target": req.TargetCount, "role": req.Role},
		})
		return Result{Kind: "fill_role.joined", Details: map[string]any{"request_id": req.ID}, Reply: text}, nil
	}
	text := d.Replies.Generate(ctx, reply.Opts{
		Kind:            "fill_role.created",
		RequiredPhrases: []string{"Search started"},
		Context:         map[string]any{"target": req.TargetCount, "role": req.Role},
	})
	return Result{Kind: "fill_role.created", Details: map[string]any{"request_id": req.ID}, Reply: text}, nil
}

func (d *Dispatcher) reduceTarget(ctx context.Context, from string, slots map[string]any) (Result, error) {
	role := stringOf(slots["role"])
	slotTime := stringOf(slots["time"])
	newTarget := intOf(slots["new_target"], 0)
	var missing []string
	if role == "" {
		missing = append(missing, "role")
	}
	if newTarget == 0 {
		missing = append(missing, "new_target")
	}
	if slotTime == "" {
		missing = append(missing, "time")
	}
	if len(missing) > 0 {
		return Result{
			Kind:    "fill_role.reduce.pending",
			Details: map[string]any{"missing": missing},
			Reply:   "Need role, new_target, and time to adjust target.",
		}, nil
	}
	resourceKey, err := keys.Canonical(keys.Parts{Role: role, Time: slotTime, EventID: stringOf(slots["event_id"]), Campus: stringOf(slots["campus"])})
	if err != nil {
		return Result{Kind: "fill_role.reduce.pending", Reply: "Need role, new_target, and time to adjust target."}, nil
	}
	if _, ok := d.Registry.Get(resourceKey); !ok {
		return Result{Kind: "fill_role.reduce.no_request", Reply: "No existing request to reduce."}, nil
	}
	var adj registry.AdjustResult
	lockErr := d.Locks.WithLock(resourceKey, func() error {
		var err error
		adj, err = d.Registry.AdjustTarget(resourceKey, newTarget, from)
		return err
	})
	if lockErr != nil {
		if errors.Is(lockErr, registry.ErrInvalidTarget) || errors.Is(lockErr, registry.ErrNotFound) {
			return Result{Kind: "fill_role.reduce.error", Details: map[string]any{"error": lockErr.Error()}, Reply: "Unable to adjust target."}, nil
		}
		return Result{}, lockErr
	}
	req := adj.Request
	switch adj.Outcome {
	case registry.AdjustProposed:
		excess := req.PendingRelease.Excess
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "fill_role.reduce.proposed",
			RequiredPhrases: []string{"keep", "release"},
			Context:         map[string]any{"accepted": req.AcceptedCount, "requested": req.PendingRelease.RequestedTarget, "excess": excess},
		})
		return Result{Kind: "fill_role.reduce.proposed", Details: map[string]any{"request_id": req.ID, "excess": excess}, Reply: text}, nil
	case registry.AdjustChanged:
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "fill_role.reduce.applied",
			RequiredPhrases: []string{"Target updated"},
			Context:         map[string]any{"target": req.TargetCount, "accepted": req.AcceptedCount},
		})
		return Result{Kind: "fill_role.reduce.applied", Details: map[string]any{"request_id": req.ID}, Reply: text}, nil
	default:
		return Result{Kind: "fill_role.reduce.unchanged", Reply: "Target unchanged."}, nil
	}
}

// resolveRelease answers a staff keep/release decision against the
// oldest active request the sender watches that has a reduction
// pending.
func (d *Dispatcher) resolveRelease(ctx context.Context, from, intent string) (Result, error) {
	var target *registry.FillRequest
	for _, req := range d.Registry.ListActive() {
		if req.PendingRelease != nil && containsString(req.Watchers, from) {
			target = req
			break
		}
	}
	if target == nil {
		return Result{Kind: "fill_role.reduce.none", Reply: "No pending reduction."}, nil
	}
	key := target.ResourceKey

	if intent == "staff_keep_all" {
		var fin registry.FinalizeResult
		lockErr := d.Locks.WithLock(key, func() error {
			var err error
			fin, err = d.Registry.FinalizeRelease(key, registry.ReleaseKeep, from)
			return err
		})
		if lockErr != nil {
			return Result{Kind: "fill_role.reduce.error", Details: map[string]any{"error": lockErr.Error()}, Reply: "Unable to finalize keep."}, nil
		}
		req := fin.Request
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "fill_role.reduce.keep",
			RequiredPhrases: []string{"kept"},
			Context:         map[string]any{"target": req.TargetCount, "accepted": req.AcceptedCount},
		})
		return Result{Kind: "fill_role.reduce.keep", Details: map[string]any{"request_id": req.ID}, Reply: text}, nil
	}

	var fin registry.FinalizeResult
	var released int
	lockErr := d.Locks.WithLock(key, func() error {
		req, ok := d.Registry.Get(key)
		if !ok || req.PendingRelease == nil {
			return registry.ErrNoPendingRelease
		}
		excess := req.PendingRelease.Excess
		accepted, err := d.Repo.ListAssignments(ctx, req.ID, domain.AssignmentAccepted)
		if err != nil {
			return err
		}
		// Most recently accepted volunteers are released first.
		if len(accepted) > excess {
			accepted = accepted[len(accepted)-excess:]
		}
		for _, a := range accepted {
			if err := d.Repo.CancelAssignment(ctx, a.RequestID, a.VolunteerID, d.nowIso()); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		released = excess
		fin, err = d.Registry.FinalizeRelease(key, registry.ReleaseExcess, from)
		return err
	})
	if lockErr != nil {
		return Result{Kind: "fill_role.reduce.error", Details: map[string]any{"error": lockErr.Error()}, Reply: "Unable to finalize release."}, nil
	}
	req := fin.Request
	text := d.Replies.Generate(ctx, reply.Opts{
		Kind:            "fill_role.reduce.release",
		RequiredPhrases: []string{"released"},
		Context:         map[string]any{"released": released, "remaining": req.AcceptedCount, "target": req.TargetCount},
	})
	return Result{Kind: "fill_role.reduce.release", Details: map[string]any{"request_id": req.ID, "released": released}, Reply: text}, nil
}

// addEvent drives the possibly multi-turn event creation flow. Partial
// slot sets persist a draft event and park the conversation; a later
// message from the same sender merges its slots in and finishes the
// draft.
func (d *Dispatcher) addEvent(ctx context.Context, from string, pending *pendingAddEvent, slots map[string]any) (Result, error) {
	merged := map[string]any{}
	if pending != nil {
		for k, v := range pending.Slots {
			merged[k] = v
		}
	}
	for k, v := range slots {
		if v != nil && stringOf(v) != "" {
			merged[k] = v
		}
	}
	d.inferRecurrence(ctx, merged)

	var missing []string
	if stringOf(merged["title"]) == "" {
		missing = append(missing, "title")
	}
	if stringOf(merged["start"]) == "" {
		missing = append(missing, "start (date/time)")
	}
	if stringOf(merged["end"]) == "" {
		missing = append(missing, "end (date/time)")
	}
	if len(missing) > 0 {
		draftID := ""
		if pending != nil {
			draftID = pending.DraftEventID
		}
		if draftID == "" {
			// Persist the partial data as a draft right away.
			title := stringOf(merged["title"])
			if title == "" {
				title = "(Untitled)"
			}
			if out, err := d.runVerb(ctx, "add_event", map[string]any{
				"phone":       from,
				"title":       title,
				"start":       stringOf(merged["start"]),
				"end":         stringOf(merged["end"]),
				"facility_id": stringOf(merged["facility_id"]),
				"ministry":    stringOf(merged["ministry"]),
				"description": stringOf(merged["description"]),
			}); err == nil {
				draftID = stringOf(out["event_id"])
			}
		}
		d.setPending(from, merged, draftID)
		text := d.Replies.Generate(ctx, reply.Opts{
			Kind:            "clarify.add_event",
			RequiredPhrases: []string{"need"},
			Context:         map[string]any{"missing": missing, "draft_event_id": draftID},
		})
		return Result{Kind: "staff_add_event.pending", Details: map[string]any{"missing": missing, "draft_event_id": draftID}, Reply: text}, nil
	}

	facilityID := stringOf(merged["facility_id"])
	if facilityID == "" {
		if name := stringOf(merged["facility_name"]); name != "" {
			facilityID = d.findFacility(ctx, name)
		}
	}

	var eventID string
	var err error
	if pending != nil && pending.DraftEventID != "" {
		_, err = d.runVerb(ctx, "update_event", map[string]any{
			"phone":    from,
			"event_id": pending.DraftEventID,
			"patch": map[string]any{
				"title":       stringOf(merged["title"]),
				"start":       stringOf(merged["start"]),
				"end":         stringOf(merged["end"]),
				"facility_id": facilityID,
				"ministry":    stringOf(merged["ministry"]),
				"description": stringOf(merged["description"]),
			},
		})
		eventID = pending.DraftEventID
	} else {
		var out map[string]any
		out, err = d.runVerb(ctx, "add_event", map[string]any{
			"phone":       from,
			"title":       stringOf(merged["title"]),
			"start":       stringOf(merged["start"]),
			"end":         stringOf(merged["end"]),
			"facility_id": facilityID,
			"ministry":    stringOf(merged["ministry"]),
			"description": stringOf(merged["description"]),
		})
		eventID = stringOf(out["event_id"])
	}
	if err != nil {
		return Result{
			Kind:    "staff_add_event.failed",
			Details: map[string]any{"error": err.Error()},
			Reply:   "Could not schedule event. Please check details or try again.",
		}, nil
	}
	d.clearPending(from)
	text := d.Replies.Generate(ctx, reply.Opts{
		Kind:            "staff_add_event",
		RequiredPhrases: []string{"event scheduled"},
		Context:         map[string]any{"title": merged["title"], "event_id": eventID},
	})
	return Result{Kind: "staff_add_event", Details: map[string]any{"event_id": eventID}, Reply: text}, nil
}

// inferRecurrence fills gaps from a recurring event of the same title:
// with two or more prior occurrences the last one donates its facility,
// ministry, and duration.
func (d *Dispatcher) inferRecurrence(ctx context.Context, slots map[string]any) {
	title := stringOf(slots["title"])
	if title == "" {
		return
	}
	events, err := d.Env.Directory.FilterEvents(ctx, directory.EventFilter{})
	if err != nil {
		return
	}
	var matches []domain.Event
	for _, evt := range events {
		if strings.EqualFold(evt.Title, title) {
			matches = append(matches, evt)
		}
	}
	if len(matches) < 2 {
		return
	}
	last := matches[len(matches)-1]
	if last.Start == "" || last.End == "" {
		return
	}
	if stringOf(slots["facility_id"]) == "" && last.FacilityID != "" {
		slots["facility_id"] = last.FacilityID
	}
	if stringOf(slots["ministry"]) == "" && last.Ministry != "" {
		slots["ministry"] = last.Ministry
	}
	if stringOf(slots["start"]) != "" && stringOf(slots["end"]) == "" {
		prevStart, err1 := parseTime(last.Start)
		prevEnd, err2 := parseTime(last.End)
		start, err3 := parseTime(stringOf(slots["start"]))
		if err1 == nil && err2 == nil && err3 == nil {
			slots["end"] = start.Add(prevEnd.Sub(prevStart)).UTC().Format(time.RFC3339)
		}
	}
}

func parseTime(raw string) (time.Time, error) {
	normalized, err := keys.NormalizeTime(raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, normalized)
}

func (d *Dispatcher) findFacility(ctx context.Context, name string) string {
	facilities, err := d.Repo.ListFacilities(ctx)
	if err != nil {
		return ""
	}
	for _, f := range facilities {
		if strings.Contains(strings.ToLower(f.Name), strings.ToLower(name)) {
			return f.ID
		}
	}
	return ""
}

func (d *Dispatcher) runVerb(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	v, err := d.Verbs.Get(name)
	if err != nil {
		return nil, err
	}
	return v.Run(ctx, args, d.Env)
}

func (d *Dispatcher) pendingFor(from string) *pendingAddEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pendingAdd[from]
	if !ok {
		return nil
	}
	if d.Now().Sub(p.CreatedAt) > d.PendingExpiry {
		delete(d.pendingAdd, from)
		return nil
	}
	return p
}

func (d *Dispatcher) setPending(from string, slots map[string]any, draftEventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if draftEventID == "" {
		if existing, ok := d.pendingAdd[from]; ok {
			draftEventID = existing.DraftEventID
		}
	}
	d.pendingAdd[from] = &pendingAddEvent{Slots: slots, DraftEventID: draftEventID, CreatedAt: d.Now()}
}

func (d *Dispatcher) clearPending(from string) {
	d.mu.Lock()
	delete(d.pendingAdd, from)
	d.mu.Unlock()
}

func containsString(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
		return fallback
	default:
		return fallback
	}
}
