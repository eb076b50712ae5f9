package integrity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/config"
	"github.com/sentinelsec/rbacdb/internal/db/bunx"
	"github.com/sentinelsec/rbacdb/internal/db/models"
	"github.com/sentinelsec/rbacdb/internal/rbac"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SecurityPath:        t.TempDir(),
		AuthTokenExpTimeout: 15 * time.Minute,
		Revision:            2,
		DecisionCacheSize:   100,
	}
}

func openTarget(t *testing.T, cfg *config.Config) *bun.DB {
	t.Helper()
	db, err := bunx.Open(cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })
	return db
}

// buildSourceDB creates an old-format database at version 1 and hands it to
// fill for content.
func buildSourceDB(t *testing.T, cfg *config.Config, fill func(ctx context.Context, db *bun.DB)) {
	t.Helper()
	ctx := context.Background()

	db, err := bunx.Open(cfg.DatabasePath())
	require.NoError(t, err)
	require.NoError(t, bunx.CreateSchema(ctx, db))
	fill(ctx, db)
	require.NoError(t, bunx.SetUserVersion(ctx, db, 1))
	require.NoError(t, bunx.Close(db))
}

func TestChecker_FreshInstall(t *testing.T) {
	cfg := testConfig(t)
	checker := NewChecker(cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, checker.Check(ctx))

	t.Run("file exists with restricted permissions", func(t *testing.T) {
		info, err := os.Stat(cfg.DatabasePath())
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(DatabaseFileMode), info.Mode().Perm())
	})

	t.Run("temp file is gone", func(t *testing.T) {
		_, err := os.Stat(cfg.TempDatabasePath())
		assert.True(t, os.IsNotExist(err))
	})

	db := openTarget(t, cfg)

	t.Run("version is stamped", func(t *testing.T) {
		version, err := bunx.UserVersion(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, cfg.Revision, version)
	})

	t.Run("defaults are present", func(t *testing.T) {
		roles := rbac.NewRolesManager(db, nil)
		role, err := roles.GetByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "administrator", role.Name)

		links := rbac.NewRolesRulesManager(db, nil)
		for _, ruleID := range []int64{1, 2} {
			linked, err := links.Exists(ctx, 1, ruleID)
			require.NoError(t, err)
			assert.True(t, linked)
		}
	})

	t.Run("second check is a no-op", func(t *testing.T) {
		require.NoError(t, checker.Check(ctx))
	})
}

func TestChecker_UpgradePreservesUserData(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	buildSourceDB(t, cfg, func(ctx context.Context, db *bun.DB) {
		mustInsert(t, ctx, db, &models.User{
			ID: 150, Username: "legacy", PasswordHash: "legacy-hash", AllowRunAs: true,
			ResourceType: models.ResourceTypeUser,
		})
		mustInsert(t, ctx, db, &models.Role{ID: 200, Name: "legacyrole", ResourceType: models.ResourceTypeUser})
		bodies := []string{
			`{"actions":["a:b"],"resources":["x:y:p0"],"effect":"allow"}`,
			`{"actions":["a:b"],"resources":["x:y:p1"],"effect":"allow"}`,
			`{"actions":["a:b"],"resources":["x:y:p2"],"effect":"allow"}`,
			`{"actions":["a:b"],"resources":["x:y:p3"],"effect":"allow"}`,
		}
		names := []string{"lp251", "lp252", "lp253", "lp250"}
		ids := []int64{251, 252, 253, 250}
		for i := range ids {
			mustInsert(t, ctx, db, &models.Policy{
				ID: ids[i], Name: names[i], Body: bodies[i], ResourceType: models.ResourceTypeUser,
			})
		}
		mustInsert(t, ctx, db, &models.UserRole{UserID: 150, RoleID: 200, Level: 0})
		for level, policyID := range []int64{251, 252, 253, 250} {
			mustInsert(t, ctx, db, &models.RolePolicy{RoleID: 200, PolicyID: policyID, Level: level})
		}
	})

	checker := NewChecker(cfg, nil, nil)
	require.NoError(t, checker.Check(ctx))

	db := openTarget(t, cfg)

	t.Run("user survives with hash and run_as", func(t *testing.T) {
		users := rbac.NewUsersManager(db, rbac.BcryptHasher{}, nil)
		user, err := users.GetByID(ctx, 150)
		require.NoError(t, err)
		assert.Equal(t, "legacy", user.Username)
		assert.Equal(t, "legacy-hash", user.PasswordHash)
		assert.True(t, user.AllowRunAs)
		assert.Equal(t, models.ResourceTypeUser, user.ResourceType)
	})

	t.Run("role policy link keeps its level", func(t *testing.T) {
		var link models.RolePolicy
		err := db.NewSelect().Model(&link).
			Where("role_id = ?", 200).
			Where("policy_id = ?", 250).
			Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, link.Level)
	})

	t.Run("user role link survives", func(t *testing.T) {
		links := rbac.NewUserRolesManager(db, nil)
		linked, err := links.Exists(ctx, 150, 200)
		require.NoError(t, err)
		assert.True(t, linked)
	})

	t.Run("built-in role 1 still carries rules 1 and 2", func(t *testing.T) {
		links := rbac.NewRolesRulesManager(db, nil)
		for _, ruleID := range []int64{1, 2} {
			linked, err := links.Exists(ctx, 1, ruleID)
			require.NoError(t, err)
			assert.True(t, linked)
		}
	})

	t.Run("version is stamped", func(t *testing.T) {
		version, err := bunx.UserVersion(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, cfg.Revision, version)
	})
}

func TestChecker_RetargetsCollidingPolicy(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// Body identical to the shipped agents_admin_read default.
	collidingBody := `{"actions":["agent:read"],"resources":["agent:id:*"],"effect":"allow"}`

	buildSourceDB(t, cfg, func(ctx context.Context, db *bun.DB) {
		mustInsert(t, ctx, db, &models.Role{ID: 200, Name: "legacyrole", ResourceType: models.ResourceTypeUser})
		mustInsert(t, ctx, db, &models.Policy{
			ID: 300, Name: "user-copy-of-default", Body: collidingBody, ResourceType: models.ResourceTypeUser,
		})
		mustInsert(t, ctx, db, &models.RolePolicy{RoleID: 200, PolicyID: 300, Level: 0})
	})

	checker := NewChecker(cfg, nil, nil)
	require.NoError(t, checker.Check(ctx))

	db := openTarget(t, cfg)
	policies := rbac.NewPoliciesManager(db, nil)

	t.Run("colliding policy is absent", func(t *testing.T) {
		_, err := policies.GetByID(ctx, 300)
		assert.ErrorIs(t, err, rbac.ErrPolicyNotExist)
	})

	t.Run("links point at the surviving default", func(t *testing.T) {
		surviving, err := policies.GetByName(ctx, "agents_admin_read")
		require.NoError(t, err)

		var link models.RolePolicy
		err = db.NewSelect().Model(&link).Where("role_id = ?", 200).Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, surviving.ID, link.PolicyID)
		assert.Equal(t, 0, link.Level)
	})
}

func mustInsert(t *testing.T, ctx context.Context, db *bun.DB, model any) {
	t.Helper()
	_, err := db.NewInsert().Model(model).Exec(ctx)
	require.NoError(t, err)
}
