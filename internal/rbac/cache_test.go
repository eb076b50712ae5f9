package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionCache(t *testing.T) {
	cache, err := NewDecisionCache(8)
	require.NoError(t, err)

	cache.Put("user:100:agent:read", true)
	cache.Put("user:100:agent:delete", false)

	allowed, ok := cache.Get("user:100:agent:read")
	assert.True(t, ok)
	assert.True(t, allowed)
	assert.Equal(t, 2, cache.Len())

	cache.Invalidate()
	assert.Zero(t, cache.Len())

	_, ok = cache.Get("user:100:agent:read")
	assert.False(t, ok)

	t.Run("size must be positive", func(t *testing.T) {
		_, err := NewDecisionCache(0)
		assert.Error(t, err)
	})
}

func TestDecisionCache_PurgedByMutations(t *testing.T) {
	db := setupTestDB(t)
	cache, err := NewDecisionCache(8)
	require.NoError(t, err)
	m := NewUsersManager(db, testHasher(), cache)
	ctx := context.Background()

	cache.Put("user:100:agent:read", true)
	require.NoError(t, m.Add(ctx, "alice", "secret", false, UserParams{}))
	assert.Zero(t, cache.Len())

	// A refused mutation leaves cached decisions alone.
	cache.Put("user:100:agent:read", true)
	assert.ErrorIs(t, m.Add(ctx, "alice", "secret", false, UserParams{}), ErrAlreadyExists)
	assert.Equal(t, 1, cache.Len())

	alice, err := m.GetByName(ctx, "alice")
	require.NoError(t, err)
	_, err = m.Delete(ctx, alice.ID)
	require.NoError(t, err)
	assert.Zero(t, cache.Len())
}
