package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
)

// MemoryService keeps requests and decisions in memory.
type MemoryService struct {
	mu        sync.RWMutex
	requests  map[string]*Request
	decisions map[string]*Decision
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a MemoryService.
type Option func(*MemoryService)

// WithPublisher fans request and decision events out to a bus.
func WithPublisher(p events.Publisher) Option {
	return func(s *MemoryService) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *MemoryService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryService) { s.now = now }
}

// NewMemoryService creates an empty service.
func NewMemoryService(options ...Option) *MemoryService {
	s := &MemoryService{
		requests:  make(map[string]*Request),
		decisions: make(map[string]*Decision),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Request stores r. Re-submitting an id that is still pending overwrites it.
func (s *MemoryService) Request(ctx context.Context, r *Request) (*Request, error) {
	if r == nil || r.InstanceID == 0 {
		return nil, ErrInvalidRequest
	}
	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Status = types.ApprovalPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	s.mu.Lock()
	if _, decided := s.decisions[stored.ID]; decided {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, stored.ID)
	}
	s.requests[stored.ID] = &stored
	s.mu.Unlock()

	s.publish(ctx, TopicRequestCreated, stored.InstanceID, stored.Entity, map[string]interface{}{
		"request_id": stored.ID,
		"step":       stored.Step,
		"approvers":  stored.Approvers,
	})
	out := stored
	return &out, nil
}

// Decide records the decision and marks the request approved or rejected.
func (s *MemoryService) Decide(ctx context.Context, id string, approved bool, actor, reason string) (*Decision, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if _, decided := s.decisions[id]; decided {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, id)
	}
	now := s.now()
	if req.Expired(now) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	d := &Decision{ID: id, Approved: approved, Actor: actor, Reason: reason, DecidedAt: now}
	s.decisions[id] = d
	if approved {
		req.Status = types.ApprovalApproved
	} else {
		req.Status = types.ApprovalRejected
	}
	instanceID, entity := req.InstanceID, req.Entity
	s.mu.Unlock()

	s.publish(ctx, TopicDecisionCreated, instanceID, entity, map[string]interface{}{
		"request_id": id,
		"approved":   approved,
		"actor":      actor,
		"reason":     reason,
	})
	out := *d
	return &out, nil
}

// Get returns a copy of a request.
func (s *MemoryService) Get(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	out := *req
	return &out, nil
}

// ListPending returns copies of undecided requests that have not expired.
func (s *MemoryService) ListPending(ctx context.Context) ([]*Request, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]*Request, 0, len(s.requests))
	for id, r := range s.requests {
		if _, decided := s.decisions[id]; decided || r.Expired(now) {
			continue
		}
		out := *r
		pending = append(pending, &out)
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

func (s *MemoryService) publish(ctx context.Context, topic string, instanceID uint64, entity types.EntityRef, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{Type: topic, InstanceID: instanceID, Entity: entity, Data: data})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		s.logger.Warn("failed to publish approval event", zap.String("topic", topic), zap.Error(err))
	}
}

var _ Service = (*MemoryService)(nil)
