package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("Strict", func(t *testing.T) {
		p := NewStaticProvider(map[string][]string{"alice": {"manager"}}, true)

		actor, err := p.Resolve(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", actor.ID)
		assert.True(t, actor.HasAnyRole("manager"))

		_, err = p.Resolve(ctx, "mallory")
		assert.ErrorIs(t, err, ErrUnknownActor)
		_, err = p.Resolve(ctx, "")
		assert.ErrorIs(t, err, ErrUnknownActor)
	})

	t.Run("Lenient", func(t *testing.T) {
		p := NewStaticProvider(nil, false)
		actor, err := p.Resolve(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, actor.Roles)

		p.Grant("bob", "finance")
		actor, err = p.Resolve(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"finance"}, actor.Roles)
	})
}
