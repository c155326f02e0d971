package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/bizflow/types"
)

// Helper function to create a sample definition
func newDefinition(id uint64, entityType string) types.Definition {
	return types.Definition{
		ID:           id,
		Name:         "Order Approval",
		EntityType:   entityType,
		TriggerType:  "on_create",
		InitialState: "draft",
		States: map[string]types.StateConfig{
			"draft":    {},
			"approved": {Actions: []types.ActionConfig{{Name: "stamp", Type: "update_record", Config: map[string]interface{}{"fields": map[string]interface{}{"stamped": true}}}}},
		},
		Active: true,
	}
}

// Helper function to create a sample transition
func newTransition(id, definitionID uint64, from, to string, order int) types.Transition {
	return types.Transition{
		ID:           id,
		DefinitionID: definitionID,
		Name:         from + "_to_" + to,
		FromState:    from,
		ToState:      to,
		Order:        order,
		Conditions:   []types.Condition{{Field: "amount", Operator: types.OpGreaterThan, Value: 10.0}},
	}
}

// Helper function to create a sample instance
func newInstance(id, definitionID uint64, entityID string) types.Instance {
	now := time.Now().UnixMilli()
	return types.Instance{
		ID:           id,
		DefinitionID: definitionID,
		Entity:       types.EntityRef{Type: "order", ID: entityID},
		CurrentState: "draft",
		WorkflowData: map[string]interface{}{"key": "value"},
		Status:       types.StatusRunning,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// runStorageContract exercises behaviour every Storage implementation shares.
func runStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("Definitions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveDefinition(ctx, newDefinition(1, "order")))
		inactive := newDefinition(2, "invoice")
		inactive.Active = false
		require.NoError(t, store.SaveDefinition(ctx, inactive))

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Order Approval", got.Name)
		assert.True(t, got.HasState("approved"))

		_, err = store.GetDefinition(ctx, 99)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrNotFound)

		all, err := store.ListDefinitions(ctx, DefinitionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		active, err := store.ListDefinitions(ctx, DefinitionFilter{ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, uint64(1), active[0].ID)

		invoices, err := store.ListDefinitions(ctx, DefinitionFilter{EntityType: "invoice"})
		require.NoError(t, err)
		require.Len(t, invoices, 1)
		assert.Equal(t, uint64(2), invoices[0].ID)
	})

	t.Run("Transitions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.SaveTransition(ctx, newTransition(10, 1, "draft", "approved", 2)))
		require.NoError(t, store.SaveTransition(ctx, newTransition(11, 1, "draft", "rejected", 1)))
		require.NoError(t, store.SaveTransition(ctx, newTransition(12, 2, "draft", "approved", 0)))

		err := store.SaveTransition(ctx, newTransition(13, 1, "draft", "approved", 0))
		assert.ErrorIs(t, err, ErrConflict)

		// Updating an existing transition in place is not a conflict.
		updated := newTransition(10, 1, "draft", "approved", 3)
		require.NoError(t, store.SaveTransition(ctx, updated))

		list, err := store.ListTransitions(ctx, 1)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, uint64(11), list[0].ID)
		assert.Equal(t, uint64(10), list[1].ID)
		assert.Equal(t, 3, list[1].Order)

		require.NoError(t, store.DeleteTransition(ctx, 11))
		_, err = store.GetTransition(ctx, 11)
		assert.ErrorIs(t, err, ErrTransitionNotFound)
		assert.ErrorIs(t, store.DeleteTransition(ctx, 11), ErrNotFound)

		list, err = store.ListTransitions(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("GetOrCreateInstance", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first, created, err := store.GetOrCreateInstance(ctx, newInstance(100, 1, "42"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, uint64(100), first.ID)

		again, created, err := store.GetOrCreateInstance(ctx, newInstance(101, 1, "42"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, uint64(100), again.ID)

		_, err = store.GetInstance(ctx, 101)
		assert.ErrorIs(t, err, ErrInstanceNotFound)

		// A different entity gets its own instance.
		other, created, err := store.GetOrCreateInstance(ctx, newInstance(102, 1, "43"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, uint64(102), other.ID)

		// Finishing the instance frees the slot.
		first.Status = types.StatusCompleted
		require.NoError(t, store.SaveInstance(ctx, first))
		next, created, err := store.GetOrCreateInstance(ctx, newInstance(103, 1, "42"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, uint64(103), next.ID)
	})

	t.Run("ConcurrentGetOrCreate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var createdCount int32
		ids := make([]uint64, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				inst, created, err := store.GetOrCreateInstance(ctx, newInstance(uint64(200+i), 1, "race"))
				assert.NoError(t, err)
				if created {
					atomic.AddInt32(&createdCount, 1)
				}
				ids[i] = inst.ID
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), createdCount)
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, _, err := store.GetOrCreateInstance(ctx, newInstance(uint64(300+i), 1, string(rune('a'+i))))
			require.NoError(t, err)
		}
		done, err := store.GetInstance(ctx, 301)
		require.NoError(t, err)
		done.Status = types.StatusFailed
		require.NoError(t, store.SaveInstance(ctx, done))

		running, err := store.ListInstances(ctx, InstanceFilter{Status: types.StatusRunning})
		require.NoError(t, err)
		assert.Len(t, running, 4)

		page, err := store.ListInstances(ctx, InstanceFilter{DefinitionID: 1, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(301), page[0].ID)
		assert.Equal(t, uint64(302), page[1].ID)

		byEntity, err := store.ListInstances(ctx, InstanceFilter{EntityType: "order", EntityID: "c"})
		require.NoError(t, err)
		require.Len(t, byEntity, 1)
		assert.Equal(t, uint64(302), byEntity[0].ID)
	})

	t.Run("SaveMissingInstance", func(t *testing.T) {
		store := newStore(t)
		err := store.SaveInstance(context.Background(), newInstance(999, 1, "ghost"))
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("Logs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, store.AppendLog(ctx, types.ExecutionLogEntry{
				ID:         uint64(400 + i),
				InstanceID: 7,
				StepName:   "step",
				StepType:   types.StepStateAction,
				Status:     types.LogSuccess,
			}))
		}
		logs, err := store.ListLogs(ctx, 7)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, uint64(400), logs[0].ID)
		assert.Equal(t, uint64(402), logs[2].ID)

		empty, err := store.ListLogs(ctx, 8)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("WithInstanceLock", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, _, err := store.GetOrCreateInstance(ctx, newInstance(500, 1, "locked"))
		require.NoError(t, err)

		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.WithInstanceLock(ctx, 500, func(ctx context.Context) error {
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside)
	})
}
