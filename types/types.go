package types

import "time"

// Instance statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
)

// Approval statuses. An empty approval status means no approval is involved.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalCancelled = "cancelled"
)

// Execution log step types and statuses.
const (
	StepStateAction = "state_action"
	StepTransition  = "transition"
	StepApproval    = "approval"

	LogSuccess = "success"
	LogFailed  = "failed"
	LogSkipped = "skipped"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExpr        = "expr"
)

// IsTerminal reports whether status is one of the final instance statuses.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusPaused, StatusCancelled:
		return true
	}
	return false
}

// EntityRef points at a record in the external ERP.
type EntityRef struct {
	Type string `json:"entity_type" yaml:"entity_type"`
	ID   string `json:"entity_id" yaml:"entity_id"`
}

// Actor is the identity on whose behalf an operation runs.
type Actor struct {
	ID    string   `json:"id" yaml:"id"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range a.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Condition is a single field-value predicate as configured by an administrator.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// ActionConfig names an action type and carries its configuration.
type ActionConfig struct {
	Name   string                 `json:"name" yaml:"name"`
	Type   string                 `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// StateConfig describes what happens when an instance sits in a state.
type StateConfig struct {
	Actions  []ActionConfig         `json:"actions,omitempty" yaml:"actions,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Schedule starts a definition from a cron expression against a fixed record.
type Schedule struct {
	Cron     string `json:"cron" yaml:"cron"`
	EntityID string `json:"entity_id" yaml:"entity_id"`
}

// Definition is the immutable template of a workflow.
type Definition struct {
	ID                uint64                 `json:"id" yaml:"id"`
	Name              string                 `json:"name" yaml:"name"`
	Description       string                 `json:"description,omitempty" yaml:"description,omitempty"`
	EntityType        string                 `json:"entity_type" yaml:"entity_type"`
	TriggerType       string                 `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty"`
	TriggerConditions []Condition            `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty"`
	States            map[string]StateConfig `json:"states" yaml:"states"`
	InitialState      string                 `json:"initial_state" yaml:"initial_state"`
	RequiresApproval  bool                   `json:"requires_approval" yaml:"requires_approval"`
	ApprovalRoles     []string               `json:"approval_roles,omitempty" yaml:"approval_roles,omitempty"`
	Schedule          *Schedule              `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Active            bool                   `json:"active" yaml:"active"`
	CreatedBy         string                 `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt         int64                  `json:"created_at" yaml:"-"`
	UpdatedAt         int64                  `json:"updated_at" yaml:"-"`
}

// HasState reports whether name is a state of the definition.
func (d Definition) HasState(name string) bool {
	_, ok := d.States[name]
	return ok
}

// Transition is a permitted move between two states of one definition.
type Transition struct {
	ID               uint64                 `json:"id" yaml:"id"`
	DefinitionID     uint64                 `json:"definition_id" yaml:"definition_id"`
	Name             string                 `json:"name" yaml:"name"`
	FromState        string                 `json:"from_state" yaml:"from_state"`
	ToState          string                 `json:"to_state" yaml:"to_state"`
	Order            int                    `json:"order" yaml:"order"`
	Conditions       []Condition            `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions          []ActionConfig         `json:"actions,omitempty" yaml:"actions,omitempty"`
	RequiredRoles    []string               `json:"required_roles,omitempty" yaml:"required_roles,omitempty"`
	RequiresApproval bool                   `json:"requires_approval" yaml:"requires_approval"`
	Label            string                 `json:"label,omitempty" yaml:"label,omitempty"`
	Description      string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	UpdatedAt        int64                  `json:"updated_at" yaml:"-"`
}

// Instance is one execution of a definition against one external record.
type Instance struct {
	ID             uint64                 `json:"id"`
	DefinitionID   uint64                 `json:"definition_id"`
	Entity         EntityRef              `json:"entity"`
	CurrentState   string                 `json:"current_state"`
	WorkflowData   map[string]interface{} `json:"workflow_data"`
	ContextData    map[string]interface{} `json:"context_data"`
	Status         string                 `json:"status"`
	ApprovalStatus string                 `json:"approval_status,omitempty"`
	Initiator      string                 `json:"initiator"`
	Assignee       string                 `json:"assignee,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	StartedAt      int64                  `json:"started_at"`
	UpdatedAt      int64                  `json:"updated_at"`
	LastExecutedAt int64                  `json:"last_executed_at,omitempty"`
	CompletedAt    int64                  `json:"completed_at,omitempty"`
	ResumeAt       int64                  `json:"resume_at,omitempty"`
	// ActionsState is the state whose actions last ran to completion. It is
	// cleared on every transition.
	ActionsState   string                 `json:"actions_state,omitempty"`
}

// ExecutionLogEntry is an append-only audit record of one step.
type ExecutionLogEntry struct {
	ID         uint64                 `json:"id"`
	InstanceID uint64                 `json:"instance_id"`
	StepName   string                 `json:"step_name"`
	StepType   string                 `json:"step_type"`
	Status     string                 `json:"status"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Actor      string                 `json:"actor"`
	CreatedAt  int64                  `json:"created_at"`
}

// Record event kinds.
const (
	RecordCreated      = "record.created"
	RecordUpdated      = "record.updated"
	RecordStateChanged = "record.state_changed"
)

// RecordEvent is a domain event about an external record.
type RecordEvent struct {
	Kind       string                 `json:"kind"`
	Entity     EntityRef              `json:"entity"`
	Payload    map[string]interface{} `json:"payload"`
	Previous   map[string]interface{} `json:"previous,omitempty"`
	Actor      Actor                  `json:"actor"`
	OccurredAt time.Time              `json:"occurred_at"`
}
