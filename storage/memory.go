package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/bizflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[uint64]types.Definition
	transitions map[uint64]types.Transition
	instances   map[uint64]types.Instance
	logs        map[uint64][]types.ExecutionLogEntry
	active      map[string]uint64
	locks       map[uint64]*instanceLock
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.Definition),
		transitions: make(map[uint64]types.Transition),
		instances:   make(map[uint64]types.Instance),
		logs:        make(map[uint64][]types.ExecutionLogEntry),
		active:      make(map[string]uint64),
		locks:       make(map[uint64]*instanceLock),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = cloneDefinition(def)
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound, cloneDefinition)
}

// ListDefinitions returns the definitions matching filter.
func (s *MemoryStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Definition, 0)
		for _, def := range s.definitions {
			if filter.Match(def) {
				out = append(out, cloneDefinition(def))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveTransition saves a transition to memory.
func (s *MemoryStorage) SaveTransition(ctx context.Context, t types.Transition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, other := range s.transitions {
			if other.ID != t.ID && other.DefinitionID == t.DefinitionID &&
				other.FromState == t.FromState && other.ToState == t.ToState {
				return fmt.Errorf("%w: transition %s->%s already exists in definition %d", ErrConflict, t.FromState, t.ToState, t.DefinitionID)
			}
		}
		s.transitions[t.ID] = cloneTransition(t)
		return nil
	})
}

// GetTransition retrieves a transition from memory.
func (s *MemoryStorage) GetTransition(ctx context.Context, id uint64) (types.Transition, error) {
	return getItem(ctx, &s.mu, s.transitions, id, ErrTransitionNotFound, cloneTransition)
}

// DeleteTransition removes a transition from memory.
func (s *MemoryStorage) DeleteTransition(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.transitions[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrTransitionNotFound, id)
		}
		delete(s.transitions, id)
		return nil
	})
}

// ListTransitions returns a definition's transitions ordered by Order.
func (s *MemoryStorage) ListTransitions(ctx context.Context, definitionID uint64) ([]types.Transition, error) {
	return withContext(ctx, func() ([]types.Transition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Transition, 0)
		for _, t := range s.transitions {
			if t.DefinitionID == definitionID {
				out = append(out, cloneTransition(t))
			}
		}
		SortTransitions(out)
		return out, nil
	})
}

// GetOrCreateInstance stores inst unless a running instance already occupies
// its (definition, entity) slot.
func (s *MemoryStorage) GetOrCreateInstance(ctx context.Context, inst types.Instance) (types.Instance, bool, error) {
	select {
	case <-ctx.Done():
		return types.Instance{}, false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ActiveKey(inst.DefinitionID, inst.Entity)
	if id, ok := s.active[key]; ok {
		if existing, ok := s.instances[id]; ok && existing.Status == types.StatusRunning {
			return cloneInstance(existing), false, nil
		}
		delete(s.active, key)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	if inst.Status == types.StatusRunning {
		s.active[key] = inst.ID
	}
	return cloneInstance(inst), true, nil
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound, cloneInstance)
}

// SaveInstance saves an instance to memory and releases its running slot
// once it leaves the running status.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		s.instances[inst.ID] = cloneInstance(inst)
		key := ActiveKey(inst.DefinitionID, inst.Entity)
		if inst.Status != types.StatusRunning && s.active[key] == inst.ID {
			delete(s.active, key)
		}
		return nil
	})
}

// ListInstances returns the instances matching filter.
func (s *MemoryStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Instance, 0)
		for _, inst := range s.instances {
			if filter.Match(inst) {
				out = append(out, cloneInstance(inst))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return paginate(out, filter.Offset, filter.Limit), nil
	})
}

// AppendLog appends a log entry.
func (s *MemoryStorage) AppendLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], cloneLog(entry))
		return nil
	})
}

// ListLogs returns an instance's log entries.
func (s *MemoryStorage) ListLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	return withContext(ctx, func() ([]types.ExecutionLogEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		entries := s.logs[instanceID]
		out := make([]types.ExecutionLogEntry, len(entries))
		for i, e := range entries {
			out[i] = cloneLog(e)
		}
		return out, nil
	})
}

// instanceLock is a one-slot channel shared by the callers of one instance.
type instanceLock struct {
	slot chan struct{}
	refs int
}

// WithInstanceLock serialises fn per instance using a one-slot channel so that
// waiting respects ctx cancellation. The entry is dropped once no caller holds
// or waits for it.
func (s *MemoryStorage) WithInstanceLock(ctx context.Context, instanceID uint64, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	lock, ok := s.locks[instanceID]
	if !ok {
		lock = &instanceLock{slot: make(chan struct{}, 1)}
		s.locks[instanceID] = lock
	}
	lock.refs++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if lock.refs--; lock.refs == 0 {
			delete(s.locks, instanceID)
		}
		s.mu.Unlock()
	}()

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock.slot }()

	return fn(ctx)
}
