// Package workflow implements the state-machine engine that advances
// workflow instances through their definition's states.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/actions"
	"github.com/songzhibin97/bizflow/approval"
	"github.com/songzhibin97/bizflow/erp"
	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/identity"
	"github.com/songzhibin97/bizflow/rules"
	"github.com/songzhibin97/bizflow/storage"
	"github.com/songzhibin97/bizflow/types"
)

// DefaultMaxHops bounds automatic transition chaining per Execute call.
const DefaultMaxHops = 32

// Trigger types the engine accepts without a trigger catalog entry.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// TriggerCatalog reports which trigger types exist.
type TriggerCatalog interface {
	Has(typeName string) bool
}

// Engine creates and advances workflow instances.
type Engine struct {
	generate  generator.Generator
	store     storage.Storage
	actions   *actions.Registry
	evaluator rules.Evaluator
	erp       erp.Client
	identity  identity.Provider
	approvals approval.Service
	bus       events.Publisher
	triggers  TriggerCatalog
	logger    *zap.Logger
	maxHops   int
	now       func() time.Time

	mu       sync.RWMutex
	compiled map[uint64]compiledConditions // transition id
	triggerC map[uint64]compiledConditions // definition id
}

type compiledConditions struct {
	updatedAt int64
	predicate rules.All
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithERPClient sets the client used to snapshot the instance's record.
func WithERPClient(c erp.Client) Option {
	return func(e *Engine) { e.erp = c }
}

// WithIdentityProvider resolves actor roles before permission checks.
func WithIdentityProvider(p identity.Provider) Option {
	return func(e *Engine) { e.identity = p }
}

// WithApprovalService lets Approve and Reject decide the instance's open
// approval request.
func WithApprovalService(s approval.Service) Option {
	return func(e *Engine) { e.approvals = s }
}

// WithEventBus publishes lifecycle events.
func WithEventBus(p events.Publisher) Option {
	return func(e *Engine) { e.bus = p }
}

// WithTriggerCatalog validates definition trigger types.
func WithTriggerCatalog(c TriggerCatalog) Option {
	return func(e *Engine) { e.triggers = c }
}

// WithEvaluator sets the evaluator for expr conditions.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithMaxHops overrides DefaultMaxHops.
func WithMaxHops(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHops = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine. The generator, store and registry are required.
func NewEngine(generate generator.Generator, store storage.Storage, registry *actions.Registry, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if registry == nil {
		return nil, errors.New("action registry is required")
	}

	e := &Engine{
		generate:  generate,
		store:     store,
		actions:   registry,
		evaluator: rules.NewExprEvaluator(),
		logger:    zap.NewNop(),
		maxHops:   DefaultMaxHops,
		now:       time.Now,
		compiled:  make(map[uint64]compiledConditions),
		triggerC:  make(map[uint64]compiledConditions),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate id: %w", err)
	}
	return id, nil
}

// ListActionTypes returns the registered action types.
func (e *Engine) ListActionTypes() []string {
	return e.actions.List()
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

// resolveActor fills in roles from the identity provider.
func (e *Engine) resolveActor(ctx context.Context, op string, actor types.Actor) (types.Actor, error) {
	if e.identity == nil || actor.ID == "" {
		return actor, nil
	}
	resolved, err := e.identity.Resolve(ctx, actor.ID)
	if errors.Is(err, identity.ErrUnknownActor) {
		return types.Actor{}, newError(KindPermission, op, 0, err)
	} else if err != nil {
		return types.Actor{}, fmt.Errorf("failed to resolve actor %s: %w", actor.ID, err)
	}
	return resolved, nil
}

// publish sends a lifecycle event. Delivery problems are logged, never returned.
func (e *Engine) publish(ctx context.Context, eventType string, inst types.Instance, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: inst.ID,
		Entity:     inst.Entity,
		Data:       data,
		OccurredAt: e.now(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Uint64("instance_id", inst.ID),
			zap.Error(err))
	}
}

// appendLog writes an execution log entry.
func (e *Engine) appendLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	id, err := e.GenerateID()
	if err != nil {
		return err
	}
	entry.ID = id
	entry.CreatedAt = e.nowMillis()
	if err := e.store.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// saveInstance stamps UpdatedAt and persists.
func (e *Engine) saveInstance(ctx context.Context, inst *types.Instance) error {
	inst.UpdatedAt = e.nowMillis()
	if err := e.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// locked runs fn on a freshly read instance while holding its lock. Engine
// errors returned by fn are handed back to the caller after the lock's work
// is committed; any other error aborts it.
func (e *Engine) locked(ctx context.Context, instanceID uint64, fn func(ctx context.Context, inst types.Instance, def types.Definition) (*ExecutionResult, error)) (*ExecutionResult, error) {
	var result *ExecutionResult
	var engineErr error
	err := e.store.WithInstanceLock(ctx, instanceID, func(ctx context.Context) error {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}
		res, err := fn(ctx, inst, def)
		result = res
		var ee *Error
		if errors.As(err, &ee) {
			engineErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, engineErr
}
