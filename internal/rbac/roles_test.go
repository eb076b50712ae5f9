package rbac

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

func TestRolesManager_Add(t *testing.T) {
	db := setupTestDB(t)
	m := NewRolesManager(db, nil)
	ctx := context.Background()

	t.Run("seeded role keeps its reserved id", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "administrator", RoleParams{ID: 1, Seed: true, ResourceType: models.ResourceTypeDefault}))

		role, err := m.GetByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "administrator", role.Name)
	})

	t.Run("duplicate name", func(t *testing.T) {
		err := m.Add(ctx, "administrator", RoleParams{})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("name longer than 64 chars", func(t *testing.T) {
		err := m.Add(ctx, strings.Repeat("x", 65), RoleParams{})
		assert.ErrorIs(t, err, ErrConstraint)
	})

	t.Run("first non-seed role jumps past the reserved band", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "ops", RoleParams{}))

		role, err := m.GetByName(ctx, "ops")
		require.NoError(t, err)
		assert.Equal(t, MaxReserved+1, role.ID)
	})
}

func TestRolesManager_Update(t *testing.T) {
	db := setupTestDB(t)
	m := NewRolesManager(db, nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "administrator", RoleParams{ID: 1, Seed: true}))
	require.NoError(t, m.Add(ctx, "ops", RoleParams{}))
	ops, err := m.GetByName(ctx, "ops")
	require.NoError(t, err)

	t.Run("reserved role refused", func(t *testing.T) {
		err := m.Update(ctx, 1, UpdateRoleParams{Name: strPtr("hijacked")})
		assert.ErrorIs(t, err, ErrAdminResources)
	})

	t.Run("no fields is a silent no-op", func(t *testing.T) {
		assert.NoError(t, m.Update(ctx, ops.ID, UpdateRoleParams{}))
	})

	t.Run("rename", func(t *testing.T) {
		require.NoError(t, m.Update(ctx, ops.ID, UpdateRoleParams{Name: strPtr("operators")}))

		role, err := m.GetByID(ctx, ops.ID)
		require.NoError(t, err)
		assert.Equal(t, "operators", role.Name)
	})

	t.Run("rename onto an existing name", func(t *testing.T) {
		err := m.Update(ctx, ops.ID, UpdateRoleParams{Name: strPtr("administrator")})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("rename past the length cap", func(t *testing.T) {
		err := m.Update(ctx, ops.ID, UpdateRoleParams{Name: strPtr(strings.Repeat("x", 65))})
		assert.ErrorIs(t, err, ErrConstraint)
	})
}

func TestRolesManager_Delete(t *testing.T) {
	db := setupTestDB(t)
	m := NewRolesManager(db, nil)
	policies := NewPoliciesManager(db, nil)
	links := NewRolesPoliciesManager(db, nil)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "administrator", RoleParams{ID: 1, Seed: true}))
	require.NoError(t, m.Add(ctx, "ops", RoleParams{}))
	ops, err := m.GetByName(ctx, "ops")
	require.NoError(t, err)

	t.Run("reserved role refused", func(t *testing.T) {
		deleted, err := m.Delete(ctx, 1)
		assert.ErrorIs(t, err, ErrAdminResources)
		assert.False(t, deleted)
	})

	t.Run("delete removes policy links", func(t *testing.T) {
		body := PolicyBody{Actions: []string{"agent:read"}, Resources: []string{"agent:id:*"}, Effect: "allow"}
		require.NoError(t, policies.Add(ctx, "p", body, PolicyParams{}))
		policy, err := policies.GetByName(ctx, "p")
		require.NoError(t, err)
		require.NoError(t, links.AddPolicyToRole(ctx, ops.ID, policy.ID, LinkParams{}))

		deleted, err := m.Delete(ctx, ops.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		linked, err := links.Exists(ctx, ops.ID, policy.ID)
		require.NoError(t, err)
		assert.False(t, linked)
	})

	t.Run("delete all returns the removed ids", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "a", RoleParams{}))
		require.NoError(t, m.Add(ctx, "b", RoleParams{}))

		ids, err := m.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		roles, err := m.List(ctx)
		require.NoError(t, err)
		require.Len(t, roles, 1)
		assert.Equal(t, int64(1), roles[0].ID)
	})
}
