package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

// RolesManager persists roles.
type RolesManager struct {
	db    *bun.DB
	cache Invalidator
}

// NewRolesManager creates a roles manager. cache may be nil.
func NewRolesManager(db *bun.DB, cache Invalidator) *RolesManager {
	return &RolesManager{db: db, cache: cache}
}

// RoleParams carries the optional fields of Add.
type RoleParams struct {
	ID           int64
	CreatedAt    time.Time
	ResourceType models.ResourceType
	Seed         bool
}

// Add creates a role. Returns ErrAlreadyExists when the name is taken and
// ErrConstraint when the name exceeds 64 characters.
func (m *RolesManager) Add(ctx context.Context, name string, p RoleParams) error {
	resourceType := p.ResourceType
	if resourceType == "" {
		resourceType = models.ResourceTypeUser
	}

	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		id := p.ID
		if !p.Seed {
			var err error
			if id, err = reservedOverflowID(ctx, tx, "roles", id); err != nil {
				return err
			}
		}
		role := &models.Role{
			Name:         name,
			ResourceType: resourceType,
			CreatedAt:    orNow(p.CreatedAt),
		}
		if id != 0 {
			role.ID = id
		}
		_, err := tx.NewInsert().Model(role).Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if isConstraintViolation(err) {
		return ErrConstraint
	}
	if err != nil {
		return fmt.Errorf("add role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// GetByID retrieves a role by id.
func (m *RolesManager) GetByID(ctx context.Context, id int64) (*models.Role, error) {
	role := new(models.Role)
	err := m.db.NewSelect().Model(role).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	return role, nil
}

// GetByName retrieves a role by name.
func (m *RolesManager) GetByName(ctx context.Context, name string) (*models.Role, error) {
	role := new(models.Role)
	err := m.db.NewSelect().Model(role).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get role by name: %w", err)
	}
	return role, nil
}

// List retrieves all roles ordered by id.
func (m *RolesManager) List(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	if err := m.db.NewSelect().Model(&roles).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// UpdateRoleParams carries the optional update fields; nil means unchanged.
type UpdateRoleParams struct {
	Name         *string
	ResourceType *models.ResourceType
}

// Update renames a role or changes its resource type. Reserved roles are
// refused. Updating with no fields set is a silent no-op.
func (m *RolesManager) Update(ctx context.Context, id int64, p UpdateRoleParams) error {
	if id <= MaxReserved {
		return ErrAdminResources
	}
	if p.Name == nil && p.ResourceType == nil {
		return nil
	}

	role, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.Name != nil {
		role.Name = *p.Name
	}
	if p.ResourceType != nil {
		role.ResourceType = *p.ResourceType
	}

	if _, err := m.db.NewUpdate().Model(role).WherePK().Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if isConstraintViolation(err) {
			return ErrConstraint
		}
		return fmt.Errorf("update role: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// Delete removes a role by id. Reserved roles are refused; cascading removes
// the role's user, policy and rule links. Returns false when the role does
// not exist.
func (m *RolesManager) Delete(ctx context.Context, id int64) (bool, error) {
	if id <= MaxReserved {
		return false, ErrAdminResources
	}
	deleted := false
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*models.Role)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}
		deleted = true
		return sweepOrphans(ctx, tx)
	})
	if err != nil {
		return false, fmt.Errorf("delete role: %w", err)
	}
	if deleted {
		invalidate(m.cache)
	}
	return deleted, nil
}

// DeleteByName removes a role by name, honoring the reserved-ID policy.
func (m *RolesManager) DeleteByName(ctx context.Context, name string) (bool, error) {
	role, err := m.GetByName(ctx, name)
	if errors.Is(err, ErrRoleNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Delete(ctx, role.ID)
}

// DeleteAll removes every non-reserved role and returns their ids.
func (m *RolesManager) DeleteAll(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model((*models.Role)(nil)).
			Column("id").
			Where("id > ?", MaxReserved).
			Order("id ASC").
			Scan(ctx, &ids); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.NewDelete().
			Model((*models.Role)(nil)).
			Where("id > ?", MaxReserved).
			Exec(ctx); err != nil {
			return err
		}
		return sweepOrphans(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("delete all roles: %w", err)
	}
	if len(ids) > 0 {
		invalidate(m.cache)
	}
	return ids, nil
}
