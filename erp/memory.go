package erp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/bizflow/events"
	"github.com/songzhibin97/bizflow/types"
)

// MemoryClient is an in-process ERP used by tests and the demo. When a
// publisher is set, writes are announced as record events.
type MemoryClient struct {
	mu         sync.RWMutex
	records    map[string]map[string]map[string]interface{}
	publisher  events.Publisher
	stateField string
	logger     *zap.Logger
}

// MemoryOption configures a MemoryClient.
type MemoryOption func(*MemoryClient)

// WithPublisher announces record.created, record.updated and
// record.state_changed events.
func WithPublisher(p events.Publisher) MemoryOption {
	return func(c *MemoryClient) { c.publisher = p }
}

// WithStateField names the field whose change emits record.state_changed.
// The default is "state".
func WithStateField(field string) MemoryOption {
	return func(c *MemoryClient) { c.stateField = field }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(c *MemoryClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewMemoryClient creates an empty client.
func NewMemoryClient(options ...MemoryOption) *MemoryClient {
	c := &MemoryClient{
		records:    make(map[string]map[string]map[string]interface{}),
		stateField: "state",
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Seed stores a record without publishing events.
func (c *MemoryClient) Seed(entityType, id string, fields map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := copyFields(fields)
	rec[IDField] = id
	c.table(entityType)[id] = rec
}

func (c *MemoryClient) table(entityType string) map[string]map[string]interface{} {
	t, ok := c.records[entityType]
	if !ok {
		t = make(map[string]map[string]interface{})
		c.records[entityType] = t
	}
	return t
}

// ReadRecord returns a copy of a record.
func (c *MemoryClient) ReadRecord(ctx context.Context, entityType, id string) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[entityType][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entityType, id)
	}
	return copyFields(rec), nil
}

// CreateRecord stores a new record, generating an id when data has none.
func (c *MemoryClient) CreateRecord(ctx context.Context, entityType string, data map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := copyFields(data)
	id, _ := rec[IDField].(string)
	if id == "" {
		id = uuid.NewString()
		rec[IDField] = id
	}

	c.mu.Lock()
	c.table(entityType)[id] = rec
	c.mu.Unlock()

	c.publish(ctx, types.RecordEvent{
		Kind:    types.RecordCreated,
		Entity:  types.EntityRef{Type: entityType, ID: id},
		Payload: copyFields(rec),
	})
	return copyFields(rec), nil
}

// UpdateRecord merges data into an existing record.
func (c *MemoryClient) UpdateRecord(ctx context.Context, entityType string, data map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := fmt.Sprint(data[IDField])
	if data[IDField] == nil || id == "" {
		return nil, ErrMissingID
	}

	c.mu.Lock()
	rec, ok := c.records[entityType][id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entityType, id)
	}
	previous := copyFields(rec)
	for k, v := range data {
		rec[k] = v
	}
	rec[IDField] = id
	updated := copyFields(rec)
	c.mu.Unlock()

	entity := types.EntityRef{Type: entityType, ID: id}
	c.publish(ctx, types.RecordEvent{Kind: types.RecordUpdated, Entity: entity, Payload: updated, Previous: previous})
	if !reflect.DeepEqual(previous[c.stateField], updated[c.stateField]) {
		c.publish(ctx, types.RecordEvent{Kind: types.RecordStateChanged, Entity: entity, Payload: copyFields(updated), Previous: previous})
	}
	return copyFields(updated), nil
}

func (c *MemoryClient) publish(ctx context.Context, rec types.RecordEvent) {
	if c.publisher == nil {
		return
	}
	rec.OccurredAt = time.Now()
	if err := c.publisher.Publish(ctx, events.RecordEventOf(rec)); err != nil && !errors.Is(err, events.ErrNoHandler) {
		c.logger.Warn("failed to publish record event",
			zap.String("kind", rec.Kind),
			zap.String("entity_type", rec.Entity.Type),
			zap.String("entity_id", rec.Entity.ID),
			zap.Error(err))
	}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Client = (*MemoryClient)(nil)
