package rbac

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

// RolesRulesManager maintains the role-rule relationship. Unlike the other
// two relationships it is unordered; rules match or they don't, there is no
// precedence among them.
type RolesRulesManager struct {
	db    *bun.DB
	cache Invalidator
}

// NewRolesRulesManager creates a role-rule relationship manager. cache may
// be nil.
func NewRolesRulesManager(db *bun.DB, cache Invalidator) *RolesRulesManager {
	return &RolesRulesManager{db: db, cache: cache}
}

func (m *RolesRulesManager) addTx(ctx context.Context, tx bun.Tx, roleID, ruleID int64, p LinkParams) error {
	ok, err := rowExists(ctx, tx, "roles", roleID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotExist
	}
	if ok, err = rowExists(ctx, tx, "rules", ruleID); err != nil {
		return err
	}
	if !ok {
		return ErrRuleNotExist
	}
	if roleID <= MaxReserved && !p.ForceAdmin {
		return ErrAdminResources
	}
	if ok, err = rolesRulesLink.exists(ctx, tx, roleID, ruleID); err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}

	link := &models.RoleRule{
		RoleID:    roleID,
		RuleID:    ruleID,
		CreatedAt: orNow(p.CreatedAt),
	}
	_, err = tx.NewInsert().Model(link).Exec(ctx)
	return err
}

// AddRuleToRole links a rule to a role. Position in LinkParams is ignored;
// the relationship carries no ordering.
func (m *RolesRulesManager) AddRuleToRole(ctx context.Context, roleID, ruleID int64, p LinkParams) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		return m.addTx(ctx, tx, roleID, ruleID, p)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	case isUniqueViolation(err):
		return ErrAlreadyExists
	default:
		return fmt.Errorf("add rule to role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// AddRoleToRule is the symmetric alias of AddRuleToRole.
func (m *RolesRulesManager) AddRoleToRule(ctx context.Context, ruleID, roleID int64, p LinkParams) error {
	return m.AddRuleToRole(ctx, roleID, ruleID, p)
}

// Exists reports whether the role is linked to the rule.
func (m *RolesRulesManager) Exists(ctx context.Context, roleID, ruleID int64) (bool, error) {
	ok, err := rolesRulesLink.exists(ctx, m.db, roleID, ruleID)
	if err != nil {
		return false, fmt.Errorf("role rule exists: %w", err)
	}
	return ok, nil
}

// RulesForRole returns the role's rules ordered by id.
func (m *RolesRulesManager) RulesForRole(ctx context.Context, roleID int64) ([]models.Rule, error) {
	ok, err := rowExists(ctx, m.db, "roles", roleID)
	if err != nil {
		return nil, fmt.Errorf("rules for role: %w", err)
	}
	if !ok {
		return nil, ErrRoleNotExist
	}
	var rules []models.Rule
	err = m.db.NewSelect().
		Model(&rules).
		Join("JOIN roles_rules AS rr ON rr.rule_id = ru.id").
		Where("rr.role_id = ?", roleID).
		OrderExpr("ru.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules for role: %w", err)
	}
	return rules, nil
}

// RolesForRule returns the roles linked to the rule ordered by id.
func (m *RolesRulesManager) RolesForRule(ctx context.Context, ruleID int64) ([]models.Role, error) {
	ok, err := rowExists(ctx, m.db, "rules", ruleID)
	if err != nil {
		return nil, fmt.Errorf("roles for rule: %w", err)
	}
	if !ok {
		return nil, ErrRuleNotExist
	}
	var roles []models.Role
	err = m.db.NewSelect().
		Model(&roles).
		Join("JOIN roles_rules AS rr ON rr.role_id = r.id").
		Where("rr.rule_id = ?", ruleID).
		OrderExpr("r.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("roles for rule: %w", err)
	}
	return roles, nil
}

func (m *RolesRulesManager) removeTx(ctx context.Context, tx bun.Tx, roleID, ruleID int64) error {
	ok, err := rowExists(ctx, tx, "roles", roleID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotExist
	}
	if ok, err = rowExists(ctx, tx, "rules", ruleID); err != nil {
		return err
	}
	if !ok {
		return ErrRuleNotExist
	}
	if ruleRequiredForRole(roleID, ruleID) {
		return ErrConstraint
	}
	if roleID <= MaxReserved {
		return ErrAdminResources
	}
	if err := rolesRulesLink.removeUnorderedLink(ctx, tx, roleID, ruleID); err != nil {
		return err
	}
	return sweepOrphans(ctx, tx)
}

// RemoveRuleFromRole unlinks a rule from a role. Rules a role is required to
// keep are refused with ErrConstraint; ErrInvalid reports a missing link.
func (m *RolesRulesManager) RemoveRuleFromRole(ctx context.Context, roleID, ruleID int64) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		return m.removeTx(ctx, tx, roleID, ruleID)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	default:
		return fmt.Errorf("remove rule from role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// RemoveRoleFromRule is the symmetric alias of RemoveRuleFromRole.
func (m *RolesRulesManager) RemoveRoleFromRule(ctx context.Context, ruleID, roleID int64) error {
	return m.RemoveRuleFromRole(ctx, roleID, ruleID)
}

// RemoveAllRulesFromRole unlinks every rule of the role in one transaction.
// Roles with required rules refuse the operation outright: stripping the
// administrator role of its context rules would lock out run-as logins.
func (m *RolesRulesManager) RemoveAllRulesFromRole(ctx context.Context, roleID int64) error {
	if len(RequiredRulesForRole[roleID]) > 0 {
		return ErrConstraint
	}
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		ok, err := rowExists(ctx, tx, "roles", roleID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRoleNotExist
		}
		if roleID <= MaxReserved {
			return ErrAdminResources
		}
		if _, err := tx.NewDelete().
			Model((*models.RoleRule)(nil)).
			Where("role_id = ?", roleID).
			Exec(ctx); err != nil {
			return err
		}
		return sweepOrphans(ctx, tx)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	default:
		return fmt.Errorf("remove all rules from role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// RemoveAllRolesFromRule unlinks the rule from every role in one
// transaction. Rules required by any role refuse the operation.
func (m *RolesRulesManager) RemoveAllRolesFromRule(ctx context.Context, ruleID int64) error {
	for _, required := range RequiredRulesForRole {
		for _, id := range required {
			if id == ruleID {
				return ErrConstraint
			}
		}
	}
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		ok, err := rowExists(ctx, tx, "rules", ruleID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRuleNotExist
		}
		if ruleID <= MaxReserved {
			return ErrAdminResources
		}
		if _, err := tx.NewDelete().
			Model((*models.RoleRule)(nil)).
			Where("rule_id = ?", ruleID).
			Exec(ctx); err != nil {
			return err
		}
		return sweepOrphans(ctx, tx)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	default:
		return fmt.Errorf("remove all roles from rule: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// Replace swaps oldRuleID for newRuleID in the role's rule set as one atomic
// edit. Any sub-failure rolls back and reports ErrRelationship.
func (m *RolesRulesManager) Replace(ctx context.Context, roleID, oldRuleID, newRuleID int64) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := m.removeTx(ctx, tx, roleID, oldRuleID); err != nil {
			return err
		}
		return m.addTx(ctx, tx, roleID, newRuleID, LinkParams{})
	})
	if err != nil {
		return ErrRelationship
	}
	invalidate(m.cache)
	return nil
}
