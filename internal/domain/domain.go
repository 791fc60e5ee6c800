package domain

import "encoding/json"

// Goal kinds understood by the planner.
const (
	GoalFillRole         = "FillRole"
	GoalRebalanceTargets = "RebalanceTargets"
	GoalCancelRequest    = "CancelRequest"
)

// Goal is a high-level staffing intent. Exactly one of the kind-specific
// field groups is meaningful, selected by Kind. Immutable once created.
type Goal struct {
	Kind      string         `json:"kind" enum:"FillRole,RebalanceTargets,CancelRequest"`
	Role      string         `json:"role,omitempty"`
	Count     int            `json:"count,omitempty"`
	Time      string         `json:"time,omitempty" format:"date-time"`
	EventID   string         `json:"event_id,omitempty"`
	Campus    string         `json:"campus,omitempty"`
	Targets   map[string]int `json:"targets,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// PlanStep is one verb invocation within a plan. Args values may contain
// {{expr}} placeholders resolved against the execution scope. Foreach has
// the form "item in collection.expr".
type PlanStep struct {
	Call    string         `json:"call"`
	Args    map[string]any `json:"args"`
	Out     string         `json:"out,omitempty"`
	Foreach string         `json:"foreach,omitempty"`
}

// Plan is an ordered sequence of verb calls intended to satisfy a Goal.
// Plans arrive from the planner as untrusted input and are validated
// before execution.
type Plan struct {
	Goal            Goal       `json:"goal"`
	Method          string     `json:"method"`
	Rationale       string     `json:"rationale"`
	Steps           []PlanStep `json:"steps"`
	SuccessWhen     []string   `json:"success_when"`
	ComplexityScore float64    `json:"complexity_score,omitempty"`
}

// Assignment states.
const (
	AssignmentInvited    = "invited"
	AssignmentAccepted   = "accepted"
	AssignmentDeclined   = "declined"
	AssignmentWaitlisted = "waitlisted"
	AssignmentCancelled  = "cancelled"
)

type Offer struct {
	RequestID   string `json:"request_id"`
	VolunteerID string `json:"volunteer_id"`
	Ministry    string `json:"ministry"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Assignment struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	VolunteerID string `json:"volunteer_id"`
	Ministry    string `json:"ministry"`
	State       string `json:"state" enum:"invited,accepted,declined,waitlisted,cancelled"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Person is a member or staff record. Staff phones form the trusted-actor
// set for directory writes.
type Person struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind" enum:"member,staff"`
	FullName   string   `json:"full_name"`
	Phone      string   `json:"phone"`
	Campus     string   `json:"campus,omitempty"`
	Ministries []string `json:"ministries,omitempty"`
	IsActive   bool     `json:"is_active"`
}

type Facility struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
	Location string `json:"location,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Directory event statuses.
const (
	EventDraft     = "draft"
	EventScheduled = "scheduled"
	EventCancelled = "cancelled"
	EventCompleted = "completed"
)

type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start,omitempty" format:"date-time"`
	End         string `json:"end,omitempty" format:"date-time"`
	FacilityID  string `json:"facility_id,omitempty"`
	Ministry    string `json:"ministry,omitempty"`
	Status      string `json:"status" enum:"draft,scheduled,cancelled,completed"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Service struct {
	ID              string         `json:"id"`
	Campus          string         `json:"campus"`
	Start           string         `json:"start" format:"date-time"`
	End             string         `json:"end" format:"date-time"`
	MinistriesNeeds map[string]int `json:"ministries_needed,omitempty"`
}

type Announcement struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	PublishOn string `json:"publish_on" format:"date-time"`
	CreatedBy string `json:"created_by"`
}

// Fact is a directory search hit surfaced by search_church_data.
type Fact struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// MessageRecord is the audit row for one outbound send.
type MessageRecord struct {
	Key      string `json:"key"`
	To       string `json:"to"`
	Template string `json:"template"`
	Body     string `json:"body"`
	SentAt   string `json:"sent_at" format:"date-time"`
}

// EventLogEntry is one row of the append-only audit log.
type EventLogEntry struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Intent is the classifier's output for one inbound text.
type Intent struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Slots      map[string]any `json:"slots"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Session carries the tenant tag through goal execution.
type Session struct {
	TenantID string `json:"tenant_id"`
	Campus   string `json:"campus,omitempty"`
}
