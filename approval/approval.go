// Package approval defines the approval service the engine hands
// approval-gated steps to. Decisions are made out of band; the engine never
// waits for one.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/bizflow/types"
)

var (
	// ErrRequestNotFound is returned for an unknown request id.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrAlreadyDecided is returned when a request already has a decision.
	ErrAlreadyDecided = errors.New("approval request already decided")
	// ErrInvalidRequest is returned for a request missing its instance.
	ErrInvalidRequest = errors.New("invalid approval request")
	// ErrExpired is returned when deciding a request past its ExpiresAt.
	ErrExpired = errors.New("approval request expired")
)

// Bus topics published by implementations.
const (
	TopicRequestCreated  = "approval.request.created"
	TopicDecisionCreated = "approval.decision.created"
)

// Request asks one of Approvers to approve a step of an instance.
type Request struct {
	ID         string                 `json:"id"`
	InstanceID uint64                 `json:"instance_id"`
	Entity     types.EntityRef        `json:"entity"`
	Step       string                 `json:"step"`
	Approvers  []string               `json:"approvers,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Status     string                 `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
}

// Expired reports whether the request can no longer be decided at now.
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Decision records the outcome of a request.
type Decision struct {
	ID        string    `json:"id"` // same as Request.ID
	Approved  bool      `json:"approved"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Service defines the approval service interface.
type Service interface {
	// Request registers r and returns it with ID, Status and CreatedAt set.
	Request(ctx context.Context, r *Request) (*Request, error)
	// Decide records a decision for a pending request.
	Decide(ctx context.Context, id string, approved bool, actor, reason string) (*Decision, error)
	// Get returns a request by id.
	Get(ctx context.Context, id string) (*Request, error)
	// ListPending returns undecided requests ordered by creation time.
	ListPending(ctx context.Context) ([]*Request, error)
}
