package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

func TestUsersManager_Add(t *testing.T) {
	db := setupTestDB(t)
	m := NewUsersManager(db, testHasher(), nil)
	ctx := context.Background()

	t.Run("seeded user keeps its reserved id", func(t *testing.T) {
		err := m.Add(ctx, "administrator", "secret", false, UserParams{ID: 1, Seed: true, ResourceType: models.ResourceTypeDefault})
		require.NoError(t, err)

		user, err := m.GetByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "administrator", user.Username)
		assert.Equal(t, models.ResourceTypeDefault, user.ResourceType)
		assert.NotEqual(t, "secret", user.PasswordHash)
	})

	t.Run("duplicate username", func(t *testing.T) {
		err := m.Add(ctx, "administrator", "other", false, UserParams{})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("first non-seed user jumps past the reserved band", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))

		user, err := m.GetByName(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, MaxReserved+1, user.ID)
	})

	t.Run("subsequent users follow sequentially", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "bob", "pw", false, UserParams{}))

		user, err := m.GetByName(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, MaxReserved+2, user.ID)
	})

	t.Run("pre-hashed password is stored verbatim", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "carol", "opaque-hash", true, UserParams{}))

		user, err := m.GetByName(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, "opaque-hash", user.PasswordHash)
	})
}

func TestUsersManager_GetAndList(t *testing.T) {
	db := setupTestDB(t)
	m := NewUsersManager(db, testHasher(), nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))

	t.Run("get missing user", func(t *testing.T) {
		_, err := m.GetByID(ctx, 12345)
		assert.ErrorIs(t, err, ErrUserNotExist)

		_, err = m.GetByName(ctx, "nobody")
		assert.ErrorIs(t, err, ErrUserNotExist)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "bob", "pw", false, UserParams{}))

		users, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "alice", users[0].Username)
		assert.Equal(t, "bob", users[1].Username)
	})
}

func TestUsersManager_Update(t *testing.T) {
	db := setupTestDB(t)
	m := NewUsersManager(db, testHasher(), nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "reserved", "pw", false, UserParams{ID: 5, Seed: true}))
	require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))
	alice, err := m.GetByName(ctx, "alice")
	require.NoError(t, err)

	t.Run("reserved user refused", func(t *testing.T) {
		err := m.Update(ctx, 5, UpdateUserParams{Password: strPtr("x")})
		assert.ErrorIs(t, err, ErrAdminResources)
	})

	t.Run("seed flag bypasses the guard", func(t *testing.T) {
		err := m.Update(ctx, 5, UpdateUserParams{Password: strPtr("new"), Seed: true})
		require.NoError(t, err)

		ok, err := m.CheckCredentials(ctx, "reserved", "new")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("no fields is a silent no-op", func(t *testing.T) {
		assert.NoError(t, m.Update(ctx, alice.ID, UpdateUserParams{}))
	})

	t.Run("password change", func(t *testing.T) {
		require.NoError(t, m.Update(ctx, alice.ID, UpdateUserParams{Password: strPtr("changed")}))

		ok, err := m.CheckCredentials(ctx, "alice", "changed")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.CheckCredentials(ctx, "alice", "pw")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestUsersManager_EditRunAs(t *testing.T) {
	db := setupTestDB(t)
	m := NewUsersManager(db, testHasher(), nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))
	alice, err := m.GetByName(ctx, "alice")
	require.NoError(t, err)

	t.Run("flag flips", func(t *testing.T) {
		require.NoError(t, m.EditRunAs(ctx, alice.ID, true))

		allowed, err := m.AllowRunAs(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("missing user", func(t *testing.T) {
		err := m.EditRunAs(ctx, 9999, true)
		assert.ErrorIs(t, err, ErrUserNotExist)
	})
}

func TestUsersManager_Delete(t *testing.T) {
	db := setupTestDB(t)
	m := NewUsersManager(db, testHasher(), nil)
	roles := NewRolesManager(db, nil)
	links := NewUserRolesManager(db, nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "reserved", "pw", false, UserParams{ID: 1, Seed: true}))
	require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))
	alice, err := m.GetByName(ctx, "alice")
	require.NoError(t, err)

	t.Run("reserved user refused", func(t *testing.T) {
		deleted, err := m.Delete(ctx, 1)
		assert.ErrorIs(t, err, ErrAdminResources)
		assert.False(t, deleted)

		_, err = m.GetByID(ctx, 1)
		assert.NoError(t, err)
	})

	t.Run("missing user reports false", func(t *testing.T) {
		deleted, err := m.Delete(ctx, 9999)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("delete removes role links", func(t *testing.T) {
		require.NoError(t, roles.Add(ctx, "ops", RoleParams{}))
		role, err := roles.GetByName(ctx, "ops")
		require.NoError(t, err)
		require.NoError(t, links.AddRoleToUser(ctx, alice.ID, role.ID, LinkParams{}))

		deleted, err := m.Delete(ctx, alice.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		linked, err := links.Exists(ctx, alice.ID, role.ID)
		require.NoError(t, err)
		assert.False(t, linked)
	})

	t.Run("delete by name", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "bob", "pw", false, UserParams{}))

		deleted, err := m.DeleteByName(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = m.DeleteByName(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestUsersManager_DeleteAll(t *testing.T) {
	db := setupTestDB(t)
	m := NewUsersManager(db, testHasher(), nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "reserved", "pw", false, UserParams{ID: 1, Seed: true}))
	require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))
	require.NoError(t, m.Add(ctx, "bob", "pw", false, UserParams{}))

	ids, err := m.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{MaxReserved + 1, MaxReserved + 2}, ids)

	users, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "reserved", users[0].Username)
}

func TestUsersManager_CacheInvalidation(t *testing.T) {
	db := setupTestDB(t)
	cache := &countingCache{}
	m := NewUsersManager(db, testHasher(), cache)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", "pw", false, UserParams{}))
	assert.Equal(t, 1, cache.invalidations)

	// Failed mutation must not invalidate
	require.ErrorIs(t, m.Add(ctx, "alice", "pw", false, UserParams{}), ErrAlreadyExists)
	assert.Equal(t, 1, cache.invalidations)

	alice, err := m.GetByName(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, alice.ID, UpdateUserParams{Password: strPtr("x")}))
	assert.Equal(t, 2, cache.invalidations)

	_, err = m.Delete(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cache.invalidations)
}
