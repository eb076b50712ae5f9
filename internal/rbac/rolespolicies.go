package rbac

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

// RolesPoliciesManager maintains the ordered role-policy relationship. A
// role's policies carry levels 0..k-1; level order decides which policy wins
// when several match.
type RolesPoliciesManager struct {
	db    *bun.DB
	cache Invalidator
}

// NewRolesPoliciesManager creates a role-policy relationship manager. cache
// may be nil.
func NewRolesPoliciesManager(db *bun.DB, cache Invalidator) *RolesPoliciesManager {
	return &RolesPoliciesManager{db: db, cache: cache}
}

func (m *RolesPoliciesManager) addTx(ctx context.Context, tx bun.Tx, roleID, policyID int64, p LinkParams) error {
	ok, err := rowExists(ctx, tx, "roles", roleID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotExist
	}
	if ok, err = rowExists(ctx, tx, "policies", policyID); err != nil {
		return err
	}
	if !ok {
		return ErrPolicyNotExist
	}
	if roleID <= MaxReserved && !p.ForceAdmin {
		return ErrAdminResources
	}
	if ok, err = rolesPoliciesLink.exists(ctx, tx, roleID, policyID); err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}

	level, err := rolesPoliciesLink.placeLevel(ctx, tx, roleID, p.Position)
	if err != nil {
		return err
	}
	link := &models.RolePolicy{
		RoleID:    roleID,
		PolicyID:  policyID,
		Level:     level,
		CreatedAt: orNow(p.CreatedAt),
	}
	_, err = tx.NewInsert().Model(link).Exec(ctx)
	return err
}

// AddPolicyToRole links a policy to a role, at the requested position or at
// the end of the role's policy list.
func (m *RolesPoliciesManager) AddPolicyToRole(ctx context.Context, roleID, policyID int64, p LinkParams) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		return m.addTx(ctx, tx, roleID, policyID, p)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	case isUniqueViolation(err):
		return ErrAlreadyExists
	default:
		return fmt.Errorf("add policy to role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// AddRoleToPolicy is the symmetric alias of AddPolicyToRole.
func (m *RolesPoliciesManager) AddRoleToPolicy(ctx context.Context, policyID, roleID int64, p LinkParams) error {
	return m.AddPolicyToRole(ctx, roleID, policyID, p)
}

// Exists reports whether the role is linked to the policy.
func (m *RolesPoliciesManager) Exists(ctx context.Context, roleID, policyID int64) (bool, error) {
	ok, err := rolesPoliciesLink.exists(ctx, m.db, roleID, policyID)
	if err != nil {
		return false, fmt.Errorf("role policy exists: %w", err)
	}
	return ok, nil
}

// PoliciesForRole returns the role's policies ordered by level.
func (m *RolesPoliciesManager) PoliciesForRole(ctx context.Context, roleID int64) ([]models.Policy, error) {
	ok, err := rowExists(ctx, m.db, "roles", roleID)
	if err != nil {
		return nil, fmt.Errorf("policies for role: %w", err)
	}
	if !ok {
		return nil, ErrRoleNotExist
	}
	var policies []models.Policy
	err = m.db.NewSelect().
		Model(&policies).
		Join("JOIN roles_policies AS rp ON rp.policy_id = p.id").
		Where("rp.role_id = ?", roleID).
		OrderExpr("rp.level ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("policies for role: %w", err)
	}
	return policies, nil
}

// RolesForPolicy returns the roles linked to the policy.
func (m *RolesPoliciesManager) RolesForPolicy(ctx context.Context, policyID int64) ([]models.Role, error) {
	ok, err := rowExists(ctx, m.db, "policies", policyID)
	if err != nil {
		return nil, fmt.Errorf("roles for policy: %w", err)
	}
	if !ok {
		return nil, ErrPolicyNotExist
	}
	var roles []models.Role
	err = m.db.NewSelect().
		Model(&roles).
		Join("JOIN roles_policies AS rp ON rp.role_id = r.id").
		Where("rp.policy_id = ?", policyID).
		OrderExpr("rp.level ASC, r.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("roles for policy: %w", err)
	}
	return roles, nil
}

// LevelsForPolicy returns the (role id, level) pairs of every link pointing
// at the policy. The defaults loader records these before a delete/re-add so
// positions survive the round trip.
func (m *RolesPoliciesManager) LevelsForPolicy(ctx context.Context, policyID int64) (map[int64]int, error) {
	var links []models.RolePolicy
	err := m.db.NewSelect().
		Model(&links).
		Where("policy_id = ?", policyID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("levels for policy: %w", err)
	}
	levels := make(map[int64]int, len(links))
	for _, link := range links {
		levels[link.RoleID] = link.Level
	}
	return levels, nil
}

func (m *RolesPoliciesManager) removeTx(ctx context.Context, tx bun.Tx, roleID, policyID int64) error {
	ok, err := rowExists(ctx, tx, "roles", roleID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotExist
	}
	if ok, err = rowExists(ctx, tx, "policies", policyID); err != nil {
		return err
	}
	if !ok {
		return ErrPolicyNotExist
	}
	if roleID <= MaxReserved {
		return ErrAdminResources
	}
	if err := rolesPoliciesLink.removeLink(ctx, tx, roleID, policyID); err != nil {
		return err
	}
	return sweepOrphans(ctx, tx)
}

// RemovePolicyFromRole unlinks a policy from a role and closes the level
// gap. Returns ErrInvalid when the link does not exist.
func (m *RolesPoliciesManager) RemovePolicyFromRole(ctx context.Context, roleID, policyID int64) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		return m.removeTx(ctx, tx, roleID, policyID)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	default:
		return fmt.Errorf("remove policy from role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// RemoveRoleFromPolicy is the symmetric alias of RemovePolicyFromRole.
func (m *RolesPoliciesManager) RemoveRoleFromPolicy(ctx context.Context, policyID, roleID int64) error {
	return m.RemovePolicyFromRole(ctx, roleID, policyID)
}

// RemoveAllPoliciesFromRole unlinks every policy of the role in one
// transaction.
func (m *RolesPoliciesManager) RemoveAllPoliciesFromRole(ctx context.Context, roleID int64) error {
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
			Model((*models.RolePolicy)(nil)).
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
		return fmt.Errorf("remove all policies from role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// RemoveAllRolesFromPolicy unlinks the policy from every role in one
// transaction, compacting each affected role's levels.
func (m *RolesPoliciesManager) RemoveAllRolesFromPolicy(ctx context.Context, policyID int64) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		ok, err := rowExists(ctx, tx, "policies", policyID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPolicyNotExist
		}
		if policyID <= MaxReserved {
			return ErrAdminResources
		}
		var links []models.RolePolicy
		if err := tx.NewSelect().
			Model(&links).
			Where("policy_id = ?", policyID).
			Scan(ctx); err != nil {
			return err
		}
		for _, link := range links {
			if err := rolesPoliciesLink.removeLink(ctx, tx, link.RoleID, link.PolicyID); err != nil {
				return err
			}
		}
		return sweepOrphans(ctx, tx)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	default:
		return fmt.Errorf("remove all roles from policy: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// Replace swaps oldPolicyID for newPolicyID in the role's policy list as one
// atomic edit. Any sub-failure rolls back and reports ErrRelationship.
func (m *RolesPoliciesManager) Replace(ctx context.Context, roleID, oldPolicyID, newPolicyID int64, position *int) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := m.removeTx(ctx, tx, roleID, oldPolicyID); err != nil {
			return err
		}
		return m.addTx(ctx, tx, roleID, newPolicyID, LinkParams{Position: position})
	})
	if err != nil {
		return ErrRelationship
	}
	invalidate(m.cache)
	return nil
}
