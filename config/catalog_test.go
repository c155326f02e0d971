package config

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/bizflow/types"
)

// MockInstaller assigns sequential ids and records what it stored.
type MockInstaller struct {
	nextID      uint64
	definitions []types.Definition
	transitions []types.Transition
	failOn      string
}

func (m *MockInstaller) CreateDefinition(ctx context.Context, def types.Definition) (types.Definition, error) {
	if def.Name == m.failOn {
		return types.Definition{}, errors.New("rejected")
	}
	m.nextID++
	def.ID = m.nextID
	m.definitions = append(m.definitions, def)
	return def, nil
}

func (m *MockInstaller) CreateTransition(ctx context.Context, t types.Transition) (types.Transition, error) {
	m.nextID++
	t.ID = m.nextID
	m.transitions = append(m.transitions, t)
	return t, nil
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)
	require.Len(t, c.Definitions, 2)

	order := c.Definitions[0]
	assert.Equal(t, "Order Approval", order.Name)
	assert.Equal(t, "sales_order", order.EntityType)
	assert.True(t, order.RequiresApproval)
	assert.Equal(t, []string{"manager"}, order.ApprovalRoles)
	require.Len(t, order.TriggerConditions, 1)
	assert.Equal(t, 1000, order.TriggerConditions[0].Value)
	require.Len(t, order.States["draft"].Actions, 1)
	assert.Equal(t, "request_approval", order.States["draft"].Actions[0].Type)
	assert.Equal(t, []interface{}{"manager"}, order.States["draft"].Actions[0].Config["approvers"])
	require.Len(t, order.Transitions, 1)
	assert.Equal(t, "Approve order", order.Transitions[0].Label)

	ledger := c.Definitions[1]
	require.NotNil(t, ledger.Schedule)
	assert.Equal(t, "0 2 * * *", ledger.Schedule.Cron)
	assert.Equal(t, "GL-2024", ledger.Schedule.EntityID)
	assert.True(t, ledger.HasState("closed"))
}

func TestCatalogInstall(t *testing.T) {
	c, err := LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)

	inst := &MockInstaller{}
	defs, err := c.Install(context.Background(), inst)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	require.Len(t, inst.transitions, 2)
	assert.Equal(t, defs[0].ID, inst.transitions[0].DefinitionID)
	assert.Equal(t, defs[1].ID, inst.transitions[1].DefinitionID)

	_, err = c.Install(context.Background(), &MockInstaller{failOn: "Nightly ledger close"})
	assert.ErrorContains(t, err, "Nightly ledger close")
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog("testdata/nope.yaml")
	assert.Error(t, err)
}
