package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

// fakeClock pins the manager's notion of now
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestTokenManager_IsTokenValid(t *testing.T) {
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewTokenManager(db, clock, 5*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, m.AddRules(ctx, []int64{100}, nil, false))

	t.Run("token issued before the cutoff is invalid", func(t *testing.T) {
		valid, err := m.IsTokenValid(ctx, 999, int64Ptr(100), nil, false)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("token at the cutoff is invalid", func(t *testing.T) {
		valid, err := m.IsTokenValid(ctx, 1000, int64Ptr(100), nil, false)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("token issued after the cutoff is valid", func(t *testing.T) {
		valid, err := m.IsTokenValid(ctx, 1001, int64Ptr(100), nil, false)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("other subjects are untouched", func(t *testing.T) {
		valid, err := m.IsTokenValid(ctx, 999, int64Ptr(200), nil, false)
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = m.IsTokenValid(ctx, 999, nil, int64Ptr(5), false)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("role ledger", func(t *testing.T) {
		require.NoError(t, m.AddRules(ctx, nil, []int64{5}, false))

		valid, err := m.IsTokenValid(ctx, 999, nil, int64Ptr(5), false)
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("run_as ledger only applies when asked", func(t *testing.T) {
		require.NoError(t, m.AddRules(ctx, nil, nil, true))

		valid, err := m.IsTokenValid(ctx, 999, nil, nil, false)
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = m.IsTokenValid(ctx, 999, nil, nil, true)
		require.NoError(t, err)
		assert.False(t, valid)
	})
}

func TestTokenManager_AddRulesReplaces(t *testing.T) {
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewTokenManager(db, clock, 5*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, m.AddRules(ctx, []int64{100}, nil, false))

	// A later rule moves the cutoff forward for the same subject.
	clock.now = time.Unix(2000, 0)
	require.NoError(t, m.AddRules(ctx, []int64{100}, nil, false))

	users, _, err := m.GetAllRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{100: 2000}, users)

	valid, err := m.IsTokenValid(ctx, 1500, int64Ptr(100), nil, false)
	require.NoError(t, err)
	assert.False(t, valid)

	t.Run("run_as ledger keeps a single row", func(t *testing.T) {
		require.NoError(t, m.AddRules(ctx, nil, nil, true))
		clock.now = time.Unix(3000, 0)
		require.NoError(t, m.AddRules(ctx, nil, nil, true))

		count, err := db.NewSelect().Model((*models.RunAsTokenRule)(nil)).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestTokenManager_DeleteExpired(t *testing.T) {
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := NewTokenManager(db, clock, 5*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, m.AddRules(ctx, []int64{100}, []int64{5}, true))

	t.Run("nothing expires before the deadline", func(t *testing.T) {
		users, roles, err := m.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)
		assert.Empty(t, roles)
	})

	t.Run("rules are reaped past the deadline", func(t *testing.T) {
		clock.now = time.Unix(1000+301, 0)

		users, roles, err := m.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{100}, users)
		assert.Equal(t, []int64{5}, roles)

		valid, err := m.IsTokenValid(ctx, 999, int64Ptr(100), nil, true)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("safe to call repeatedly", func(t *testing.T) {
		users, roles, err := m.DeleteExpired(ctx)
		require.NoError(t, err)
		assert.Empty(t, users)
		assert.Empty(t, roles)
	})
}

func TestTokenManager_DeleteAll(t *testing.T) {
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := &countingCache{}
	m := NewTokenManager(db, clock, 5*time.Minute, cache)
	ctx := context.Background()

	require.NoError(t, m.AddRules(ctx, []int64{100, 101}, []int64{5}, true))

	users, roles, err := m.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101}, users)
	assert.Equal(t, []int64{5}, roles)

	gotUsers, gotRoles, err := m.GetAllRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, gotUsers)
	assert.Empty(t, gotRoles)

	count, err := db.NewSelect().Model((*models.RunAsTokenRule)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// AddRules and DeleteAll each invalidated once
	assert.Equal(t, 2, cache.invalidations)
}

func TestTokenManager_DeleteSingleRules(t *testing.T) {
	db := setupTestDB(t)
	m := NewTokenManager(db, &fakeClock{now: time.Unix(1000, 0)}, 5*time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, m.AddRules(ctx, []int64{100}, []int64{5}, false))

	require.NoError(t, m.DeleteUserRule(ctx, 100))
	assert.ErrorIs(t, m.DeleteUserRule(ctx, 100), ErrTokenRuleNotExist)

	require.NoError(t, m.DeleteRoleRule(ctx, 5))
	assert.ErrorIs(t, m.DeleteRoleRule(ctx, 5), ErrTokenRuleNotExist)
}
