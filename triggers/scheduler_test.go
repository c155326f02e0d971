package triggers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/songzhibin97/bizflow/types"
	"github.com/songzhibin97/bizflow/workflow"
)

func TestSchedulerLoad(t *testing.T) {
	engine := &MockEngine{
		defs: []types.Definition{
			{ID: 1, EntityType: "ledger", Active: true, Schedule: &types.Schedule{Cron: "0 2 * * *", EntityID: "GL-2024"}},
			{ID: 2, EntityType: "ledger", Active: true, Schedule: &types.Schedule{Cron: "*/15 * * * *", EntityID: "GL-2025"}},
			{ID: 3, EntityType: "ledger", Active: false, Schedule: &types.Schedule{Cron: "0 3 * * *", EntityID: "GL-2023"}},
			{ID: 4, EntityType: "ledger", Active: true},
		},
	}
	m, err := NewManager(NewRegistry(), engine)
	require.NoError(t, err)
	s := NewScheduler(m, WithSchedulerLogger(zaptest.NewLogger(t)))

	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 2, s.Entries())

	// Reloading replaces the entries.
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 2, s.Entries())
	assert.Len(t, s.cron.Entries(), 2)

	s.Start()
	s.Stop()
}

func TestSchedulerLoadRejectsBadCron(t *testing.T) {
	engine := &MockEngine{
		defs: []types.Definition{{ID: 1, EntityType: "ledger", Active: true, Schedule: &types.Schedule{Cron: "whenever", EntityID: "GL"}}},
	}
	m, err := NewManager(NewRegistry(), engine)
	require.NoError(t, err)

	err = NewScheduler(m).Load(context.Background())
	assert.ErrorContains(t, err, "definition 1")
}

func TestSchedulerFire(t *testing.T) {
	def := types.Definition{ID: 1, EntityType: "ledger", Active: true, Schedule: &types.Schedule{Cron: "0 2 * * *", EntityID: "GL-2024"}}
	engine := &MockEngine{defs: []types.Definition{def}}
	m, err := NewManager(NewRegistry(), engine)
	require.NoError(t, err)

	NewScheduler(m).fire(def)

	require.Len(t, engine.created, 1)
	assert.Equal(t, types.EntityRef{Type: "ledger", ID: "GL-2024"}, engine.created[0].Entity)
	assert.Equal(t, SystemActor.ID, engine.created[0].Initiator)
	assert.Equal(t, workflow.TriggerScheduled, engine.created[0].ContextData["trigger_type"])
	assert.Equal(t, []string{"1:system"}, engine.executed)
}
