package integrity

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/db/models"
	"github.com/sentinelsec/rbacdb/internal/rbac"
)

// stores bundles one manager per table over a single database handle. The
// migrator builds one set for the target; the source is read directly.
type stores struct {
	users         *rbac.UsersManager
	roles         *rbac.RolesManager
	rules         *rbac.RulesManager
	policies      *rbac.PoliciesManager
	userRoles     *rbac.UserRolesManager
	rolesPolicies *rbac.RolesPoliciesManager
	rolesRules    *rbac.RolesRulesManager
}

func newStores(db *bun.DB, hasher rbac.PasswordHasher, cache rbac.Invalidator) stores {
	return stores{
		users:         rbac.NewUsersManager(db, hasher, cache),
		roles:         rbac.NewRolesManager(db, cache),
		rules:         rbac.NewRulesManager(db, cache),
		policies:      rbac.NewPoliciesManager(db, cache),
		userRoles:     rbac.NewUserRolesManager(db, cache),
		rolesPolicies: rbac.NewRolesPoliciesManager(db, cache),
		rolesRules:    rbac.NewRolesRulesManager(db, cache),
	}
}

// skippable reports whether a per-row migration error should be swallowed.
// Rows that collide with defaults or reference resources that no longer
// exist are dropped; anything else aborts the migration.
func skippable(err error) bool {
	for _, tagged := range []error{
		rbac.ErrAlreadyExists, rbac.ErrConstraint, rbac.ErrInvalid,
		rbac.ErrUserNotExist, rbac.ErrRoleNotExist,
		rbac.ErrPolicyNotExist, rbac.ErrRuleNotExist,
	} {
		if errors.Is(err, tagged) {
			return true
		}
	}
	return false
}

// inRange constrains col to the migrated id band. toID zero means unbounded.
func inRange(q *bun.SelectQuery, col string, fromID, toID int64) *bun.SelectQuery {
	if toID > 0 {
		return q.Where(fmt.Sprintf("%s BETWEEN ? AND ?", col), fromID, toID)
	}
	return q.Where(fmt.Sprintf("%s >= ?", col), fromID)
}

// inRangeEither keeps relationship rows where either endpoint falls in the
// migrated band.
func inRangeEither(q *bun.SelectQuery, colA, colB string, fromID, toID int64) *bun.SelectQuery {
	if toID > 0 {
		return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where(fmt.Sprintf("%s BETWEEN ? AND ?", colA), fromID, toID).
				WhereOr(fmt.Sprintf("%s BETWEEN ? AND ?", colB), fromID, toID)
		})
	}
	return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where(fmt.Sprintf("%s >= ?", colA), fromID).
			WhereOr(fmt.Sprintf("%s >= ?", colB), fromID)
	})
}

// migrateData copies one id band of entities and relationships from source
// to target, tagging the copies with resourceType. Relationship endpoints
// that resolve to reserved ids are rematched by name against the target,
// since built-in ids may have shifted between releases; rows whose endpoints
// cannot be resolved anymore are skipped.
func migrateData(ctx context.Context, source, target *bun.DB, ts stores, fromID, toID int64, resourceType models.ResourceType) error {
	if err := migrateUsers(ctx, source, ts, fromID, toID, resourceType); err != nil {
		return err
	}
	if err := migrateRoles(ctx, source, ts, fromID, toID, resourceType); err != nil {
		return err
	}
	if err := migrateRules(ctx, source, ts, fromID, toID, resourceType); err != nil {
		return err
	}
	if err := migratePolicies(ctx, source, target, ts, fromID, toID, resourceType); err != nil {
		return err
	}
	if err := migrateUserRoles(ctx, source, ts, fromID, toID); err != nil {
		return err
	}
	if err := migrateRolesPolicies(ctx, source, ts, fromID, toID); err != nil {
		return err
	}
	return migrateRolesRules(ctx, source, ts, fromID, toID)
}

func migrateUsers(ctx context.Context, source *bun.DB, ts stores, fromID, toID int64, resourceType models.ResourceType) error {
	var users []models.User
	if err := inRange(source.NewSelect().Model(&users), "id", fromID, toID).
		Order("id ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source users: %w", err)
	}
	for _, user := range users {
		err := ts.users.Add(ctx, user.Username, user.PasswordHash, true, rbac.UserParams{
			ID:           user.ID,
			CreatedAt:    user.CreatedAt,
			ResourceType: resourceType,
			Seed:         true,
		})
		if err != nil && !skippable(err) {
			return fmt.Errorf("migrate user %d: %w", user.ID, err)
		}
		if err == nil {
			if err := ts.users.EditRunAs(ctx, user.ID, user.AllowRunAs); err != nil && !skippable(err) {
				return fmt.Errorf("migrate user %d: %w", user.ID, err)
			}
		}
	}
	return nil
}

func migrateRoles(ctx context.Context, source *bun.DB, ts stores, fromID, toID int64, resourceType models.ResourceType) error {
	var roles []models.Role
	if err := inRange(source.NewSelect().Model(&roles), "id", fromID, toID).
		Order("id ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source roles: %w", err)
	}
	for _, role := range roles {
		err := ts.roles.Add(ctx, role.Name, rbac.RoleParams{
			ID:           role.ID,
			CreatedAt:    role.CreatedAt,
			ResourceType: resourceType,
			Seed:         true,
		})
		if err != nil && !skippable(err) {
			return fmt.Errorf("migrate role %d: %w", role.ID, err)
		}
	}
	return nil
}

func migrateRules(ctx context.Context, source *bun.DB, ts stores, fromID, toID int64, resourceType models.ResourceType) error {
	var rules []models.Rule
	if err := inRange(source.NewSelect().Model(&rules), "id", fromID, toID).
		Order("id ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source rules: %w", err)
	}
	for _, rule := range rules {
		body, err := rbac.ParseRuleBody(rule.RuleBody)
		if err != nil {
			continue
		}
		err = ts.rules.Add(ctx, rule.Name, body, rbac.RuleParams{
			ID:           rule.ID,
			CreatedAt:    rule.CreatedAt,
			ResourceType: resourceType,
			Seed:         true,
		})
		if err != nil && !skippable(err) {
			return fmt.Errorf("migrate rule %d: %w", rule.ID, err)
		}
	}
	return nil
}

func migratePolicies(ctx context.Context, source, target *bun.DB, ts stores, fromID, toID int64, resourceType models.ResourceType) error {
	var policies []models.Policy
	if err := inRange(source.NewSelect().Model(&policies), "id", fromID, toID).
		Order("id ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source policies: %w", err)
	}
	for _, policy := range policies {
		body, err := rbac.ParsePolicyBody([]byte(policy.Body))
		if err != nil {
			continue
		}
		err = ts.policies.Add(ctx, policy.Name, body, rbac.PolicyParams{
			ID:           policy.ID,
			CreatedAt:    policy.CreatedAt,
			ResourceType: resourceType,
			Seed:         true,
		})
		if errors.Is(err, rbac.ErrAlreadyExists) || errors.Is(err, rbac.ErrConstraint) {
			// The body already belongs to a default policy in the target.
			// Point the source's role links at the surviving policy instead.
			if err := retargetPolicyLinks(ctx, source, target, ts, policy); err != nil {
				return fmt.Errorf("migrate policy %d: %w", policy.ID, err)
			}
		} else if err != nil && !skippable(err) {
			return fmt.Errorf("migrate policy %d: %w", policy.ID, err)
		}
	}
	return nil
}

func retargetPolicyLinks(ctx context.Context, source, target *bun.DB, ts stores, policy models.Policy) error {
	var surviving models.Policy
	err := target.NewSelect().Model(&surviving).Where("body = ?", policy.Body).Scan(ctx)
	if err != nil {
		// No body match means the name collided instead; nothing to retarget.
		return nil
	}
	var links []models.RolePolicy
	if err := source.NewSelect().Model(&links).
		Where("policy_id = ?", policy.ID).
		Order("level ASC").Scan(ctx); err != nil {
		return err
	}
	for _, link := range links {
		position := link.Level
		err := ts.rolesPolicies.AddPolicyToRole(ctx, link.RoleID, surviving.ID, rbac.LinkParams{
			Position:   &position,
			CreatedAt:  link.CreatedAt,
			ForceAdmin: true,
		})
		if err != nil && !skippable(err) {
			return err
		}
	}
	return nil
}

// sourceNameByID reads the name column of an entity row in the source.
func sourceNameByID(ctx context.Context, source *bun.DB, table, nameCol string, id int64) (string, error) {
	var name string
	err := source.NewSelect().Table(table).ColumnExpr(nameCol).Where("id = ?", id).Scan(ctx, &name)
	return name, err
}

func migrateUserRoles(ctx context.Context, source *bun.DB, ts stores, fromID, toID int64) error {
	var links []models.UserRole
	if err := inRangeEither(source.NewSelect().Model(&links), "user_id", "role_id", fromID, toID).
		Order("user_id ASC", "level ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source user_roles: %w", err)
	}
	for _, link := range links {
		userID := link.UserID
		if userID <= rbac.MaxReserved {
			name, err := sourceNameByID(ctx, source, "users", "username", userID)
			if err != nil {
				continue
			}
			user, err := ts.users.GetByName(ctx, name)
			if err != nil {
				continue
			}
			userID = user.ID
		}
		roleID := link.RoleID
		if roleID <= rbac.MaxReserved {
			name, err := sourceNameByID(ctx, source, "roles", "name", roleID)
			if err != nil {
				continue
			}
			role, err := ts.roles.GetByName(ctx, name)
			if err != nil {
				continue
			}
			roleID = role.ID
		}
		position := link.Level
		err := ts.userRoles.AddRoleToUser(ctx, userID, roleID, rbac.LinkParams{
			Position:   &position,
			CreatedAt:  link.CreatedAt,
			ForceAdmin: true,
		})
		if err != nil && !skippable(err) {
			return fmt.Errorf("migrate user_role %d/%d: %w", link.UserID, link.RoleID, err)
		}
	}
	return nil
}

func migrateRolesPolicies(ctx context.Context, source *bun.DB, ts stores, fromID, toID int64) error {
	var links []models.RolePolicy
	if err := inRangeEither(source.NewSelect().Model(&links), "role_id", "policy_id", fromID, toID).
		Order("role_id ASC", "level ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source roles_policies: %w", err)
	}
	for _, link := range links {
		roleID := link.RoleID
		if roleID <= rbac.MaxReserved {
			name, err := sourceNameByID(ctx, source, "roles", "name", roleID)
			if err != nil {
				continue
			}
			role, err := ts.roles.GetByName(ctx, name)
			if err != nil {
				continue
			}
			roleID = role.ID
		}
		policyID := link.PolicyID
		if policyID <= rbac.MaxReserved {
			name, err := sourceNameByID(ctx, source, "policies", "name", policyID)
			if err != nil {
				continue
			}
			policy, err := ts.policies.GetByName(ctx, name)
			if err != nil {
				continue
			}
			policyID = policy.ID
		}
		position := link.Level
		err := ts.rolesPolicies.AddPolicyToRole(ctx, roleID, policyID, rbac.LinkParams{
			Position:   &position,
			CreatedAt:  link.CreatedAt,
			ForceAdmin: true,
		})
		if err != nil && !skippable(err) {
			return fmt.Errorf("migrate role_policy %d/%d: %w", link.RoleID, link.PolicyID, err)
		}
	}
	return nil
}

func migrateRolesRules(ctx context.Context, source *bun.DB, ts stores, fromID, toID int64) error {
	var links []models.RoleRule
	if err := inRangeEither(source.NewSelect().Model(&links), "role_id", "rule_id", fromID, toID).
		Order("role_id ASC").Scan(ctx); err != nil {
		return fmt.Errorf("read source roles_rules: %w", err)
	}
	for _, link := range links {
		roleID := link.RoleID
		if roleID <= rbac.MaxReserved {
			name, err := sourceNameByID(ctx, source, "roles", "name", roleID)
			if err != nil {
				continue
			}
			role, err := ts.roles.GetByName(ctx, name)
			if err != nil {
				continue
			}
			roleID = role.ID
		}
		ruleID := link.RuleID
		if ruleID <= rbac.MaxReserved {
			name, err := sourceNameByID(ctx, source, "rules", "name", ruleID)
			if err != nil {
				continue
			}
			rule, err := ts.rules.GetByName(ctx, name)
			if err != nil {
				continue
			}
			ruleID = rule.ID
		}
		err := ts.rolesRules.AddRuleToRole(ctx, roleID, ruleID, rbac.LinkParams{
			CreatedAt:  link.CreatedAt,
			ForceAdmin: true,
		})
		if err != nil && !skippable(err) {
			return fmt.Errorf("migrate role_rule %d/%d: %w", link.RoleID, link.RuleID, err)
		}
	}
	return nil
}
