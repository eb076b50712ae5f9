package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesManager_Add(t *testing.T) {
	db := setupTestDB(t)
	m := NewRulesManager(db, nil)
	ctx := context.Background()

	body := map[string]any{"FIND": map[string]any{"run_as_context": []any{"administrator"}}}

	t.Run("seeded rule keeps its reserved id", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "rule_run_as_admin", body, RuleParams{ID: 1, Seed: true}))

		rule, err := m.GetByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "rule_run_as_admin", rule.Name)
	})

	t.Run("nil body is invalid", func(t *testing.T) {
		err := m.Add(ctx, "broken", nil, RuleParams{})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("duplicate name", func(t *testing.T) {
		err := m.Add(ctx, "rule_run_as_admin", body, RuleParams{})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("body round-trips", func(t *testing.T) {
		require.NoError(t, m.Add(ctx, "r1", body, RuleParams{}))

		rule, err := m.GetByName(ctx, "r1")
		require.NoError(t, err)
		parsed, err := ParseRuleBody(rule.RuleBody)
		require.NoError(t, err)
		assert.Equal(t, body, parsed)
	})
}

func TestRulesManager_UpdateAndDelete(t *testing.T) {
	db := setupTestDB(t)
	m := NewRulesManager(db, nil)
	ctx := context.Background()

	body := map[string]any{"MATCH": map[string]any{"office": "20"}}
	require.NoError(t, m.Add(ctx, "reserved", body, RuleParams{ID: 1, Seed: true}))
	require.NoError(t, m.Add(ctx, "r1", body, RuleParams{}))
	r1, err := m.GetByName(ctx, "r1")
	require.NoError(t, err)

	t.Run("reserved rule refused", func(t *testing.T) {
		assert.ErrorIs(t, m.Update(ctx, 1, UpdateRuleParams{Name: strPtr("x")}), ErrAdminResources)

		deleted, err := m.Delete(ctx, 1)
		assert.ErrorIs(t, err, ErrAdminResources)
		assert.False(t, deleted)
	})

	t.Run("body update", func(t *testing.T) {
		newBody := map[string]any{"MATCH": map[string]any{"office": "21"}}
		require.NoError(t, m.Update(ctx, r1.ID, UpdateRuleParams{Rule: newBody}))

		rule, err := m.GetByID(ctx, r1.ID)
		require.NoError(t, err)
		parsed, err := ParseRuleBody(rule.RuleBody)
		require.NoError(t, err)
		assert.Equal(t, newBody, parsed)
	})

	t.Run("delete", func(t *testing.T) {
		deleted, err := m.Delete(ctx, r1.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = m.GetByID(ctx, r1.ID)
		assert.ErrorIs(t, err, ErrRuleNotExist)
	})
}
