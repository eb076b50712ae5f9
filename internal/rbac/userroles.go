package rbac

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

// UserRolesManager maintains the ordered user-role relationship. A user's
// roles carry levels 0..k-1; level order decides role precedence.
type UserRolesManager struct {
	db    *bun.DB
	cache Invalidator
}

// NewUserRolesManager creates a user-role relationship manager. cache may be
// nil.
func NewUserRolesManager(db *bun.DB, cache Invalidator) *UserRolesManager {
	return &UserRolesManager{db: db, cache: cache}
}

func (m *UserRolesManager) addTx(ctx context.Context, tx bun.Tx, userID, roleID int64, p LinkParams) error {
	ok, err := rowExists(ctx, tx, "users", userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotExist
	}
	if ok, err = rowExists(ctx, tx, "roles", roleID); err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotExist
	}
	if userID <= MaxReserved && !p.ForceAdmin {
		return ErrAdminResources
	}
	if ok, err = userRolesLink.exists(ctx, tx, userID, roleID); err != nil {
		return err
	}
	if ok {
		return ErrAlreadyExists
	}

	level, err := userRolesLink.placeLevel(ctx, tx, userID, p.Position)
	if err != nil {
		return err
	}
	link := &models.UserRole{
		UserID:    userID,
		RoleID:    roleID,
		Level:     level,
		CreatedAt: orNow(p.CreatedAt),
	}
	_, err = tx.NewInsert().Model(link).Exec(ctx)
	return err
}

// AddRoleToUser links a role to a user, at the requested position or at the
// end of the user's role list.
func (m *UserRolesManager) AddRoleToUser(ctx context.Context, userID, roleID int64, p LinkParams) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		return m.addTx(ctx, tx, userID, roleID, p)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	case isUniqueViolation(err):
		return ErrAlreadyExists
	default:
		return fmt.Errorf("add role to user: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// AddUserToRole is the symmetric alias of AddRoleToUser.
func (m *UserRolesManager) AddUserToRole(ctx context.Context, roleID, userID int64, p LinkParams) error {
	return m.AddRoleToUser(ctx, userID, roleID, p)
}

// Exists reports whether the user is linked to the role.
func (m *UserRolesManager) Exists(ctx context.Context, userID, roleID int64) (bool, error) {
	ok, err := userRolesLink.exists(ctx, m.db, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("user role exists: %w", err)
	}
	return ok, nil
}

// RolesForUser returns the user's roles ordered by level.
func (m *UserRolesManager) RolesForUser(ctx context.Context, userID int64) ([]models.Role, error) {
	ok, err := rowExists(ctx, m.db, "users", userID)
	if err != nil {
		return nil, fmt.Errorf("roles for user: %w", err)
	}
	if !ok {
		return nil, ErrUserNotExist
	}
	var roles []models.Role
	err = m.db.NewSelect().
		Model(&roles).
		Join("JOIN user_roles AS ur ON ur.role_id = r.id").
		Where("ur.user_id = ?", userID).
		OrderExpr("ur.level ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("roles for user: %w", err)
	}
	return roles, nil
}

// UsersForRole returns the users linked to the role.
func (m *UserRolesManager) UsersForRole(ctx context.Context, roleID int64) ([]models.User, error) {
	ok, err := rowExists(ctx, m.db, "roles", roleID)
	if err != nil {
		return nil, fmt.Errorf("users for role: %w", err)
	}
	if !ok {
		return nil, ErrRoleNotExist
	}
	var users []models.User
	err = m.db.NewSelect().
		Model(&users).
		Join("JOIN user_roles AS ur ON ur.user_id = u.id").
		Where("ur.role_id = ?", roleID).
		OrderExpr("ur.level ASC, u.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("users for role: %w", err)
	}
	return users, nil
}

func (m *UserRolesManager) removeTx(ctx context.Context, tx bun.Tx, userID, roleID int64) error {
	ok, err := rowExists(ctx, tx, "users", userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserNotExist
	}
	if ok, err = rowExists(ctx, tx, "roles", roleID); err != nil {
		return err
	}
	if !ok {
		return ErrRoleNotExist
	}
	if userID <= MaxReserved {
		return ErrAdminResources
	}
	if err := userRolesLink.removeLink(ctx, tx, userID, roleID); err != nil {
		return err
	}
	return sweepOrphans(ctx, tx)
}

// RemoveRoleFromUser unlinks a role from a user and closes the level gap.
// Returns ErrInvalid when the link does not exist.
func (m *UserRolesManager) RemoveRoleFromUser(ctx context.Context, userID, roleID int64) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		return m.removeTx(ctx, tx, userID, roleID)
	})
	switch {
	case err == nil:
	case isTagged(err):
		return err
	default:
		return fmt.Errorf("remove role from user: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// RemoveUserFromRole is the symmetric alias of RemoveRoleFromUser.
func (m *UserRolesManager) RemoveUserFromRole(ctx context.Context, roleID, userID int64) error {
	return m.RemoveRoleFromUser(ctx, userID, roleID)
}

// RemoveAllRolesFromUser unlinks every role of the user in one transaction.
func (m *UserRolesManager) RemoveAllRolesFromUser(ctx context.Context, userID int64) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		ok, err := rowExists(ctx, tx, "users", userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotExist
		}
		if userID <= MaxReserved {
			return ErrAdminResources
		}
		if _, err := tx.NewDelete().
			Model((*models.UserRole)(nil)).
			Where("user_id = ?", userID).
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
		return fmt.Errorf("remove all roles from user: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// RemoveAllUsersFromRole unlinks the role from every user in one
// transaction, compacting each affected user's levels.
func (m *UserRolesManager) RemoveAllUsersFromRole(ctx context.Context, roleID int64) error {
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
		var links []models.UserRole
		if err := tx.NewSelect().
			Model(&links).
			Where("role_id = ?", roleID).
			Scan(ctx); err != nil {
			return err
		}
		for _, link := range links {
			if err := userRolesLink.removeLink(ctx, tx, link.UserID, link.RoleID); err != nil {
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
		return fmt.Errorf("remove all users from role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// Replace swaps oldRoleID for newRoleID in the user's role list as one
// atomic edit. Any sub-failure rolls back and reports ErrRelationship.
func (m *UserRolesManager) Replace(ctx context.Context, userID, oldRoleID, newRoleID int64, position *int) error {
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := m.removeTx(ctx, tx, userID, oldRoleID); err != nil {
			return err
		}
		return m.addTx(ctx, tx, userID, newRoleID, LinkParams{Position: position})
	})
	if err != nil {
		return ErrRelationship
	}
	invalidate(m.cache)
	return nil
}
