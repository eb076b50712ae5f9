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

// PoliciesManager persists policies. Policy bodies are stored as canonical
// JSON so uniqueness holds at the byte level.
type PoliciesManager struct {
	db    *bun.DB
	cache Invalidator
}

// NewPoliciesManager creates a policies manager. cache may be nil.
func NewPoliciesManager(db *bun.DB, cache Invalidator) *PoliciesManager {
	return &PoliciesManager{db: db, cache: cache}
}

// PolicyParams carries the optional fields of Add.
type PolicyParams struct {
	ID           int64
	CreatedAt    time.Time
	ResourceType models.ResourceType
	Seed         bool
}

// seedPolicyID allocates the next id below the cloud band for seeded
// policies without an explicit id, so built-in defaults never collide with
// the ids reserved for cloud provisioning.
func seedPolicyID(ctx context.Context, idb bun.IDB) (int64, error) {
	var id int64
	err := idb.NewSelect().
		Table("policies").
		ColumnExpr("id").
		Where("id < ?", CloudReservedRange).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return id + 1, nil
}

// Add creates a policy after validating its body. Returns ErrInvalid on a
// malformed body and ErrAlreadyExists when either the name or the body is
// already stored.
func (m *PoliciesManager) Add(ctx context.Context, name string, body PolicyBody, p PolicyParams) error {
	if err := body.Validate(); err != nil {
		return err
	}
	canonical, err := body.Canonical()
	if err != nil {
		return ErrInvalid
	}

	resourceType := p.ResourceType
	if resourceType == "" {
		resourceType = models.ResourceTypeUser
	}

	err = runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		id := p.ID
		if p.Seed {
			if id == 0 {
				var err error
				if id, err = seedPolicyID(ctx, tx); err != nil {
					return err
				}
			}
		} else {
			var err error
			if id, err = reservedOverflowID(ctx, tx, "policies", id); err != nil {
				return err
			}
		}
		policy := &models.Policy{
			Name:         name,
			Body:         canonical,
			ResourceType: resourceType,
			CreatedAt:    orNow(p.CreatedAt),
		}
		if id != 0 {
			policy.ID = id
		}
		_, err := tx.NewInsert().Model(policy).Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if isConstraintViolation(err) {
		return ErrConstraint
	}
	if err != nil {
		return fmt.Errorf("add policy: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// GetByID retrieves a policy by id.
func (m *PoliciesManager) GetByID(ctx context.Context, id int64) (*models.Policy, error) {
	policy := new(models.Policy)
	err := m.db.NewSelect().Model(policy).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return policy, nil
}

// GetByName retrieves a policy by name.
func (m *PoliciesManager) GetByName(ctx context.Context, name string) (*models.Policy, error) {
	policy := new(models.Policy)
	err := m.db.NewSelect().Model(policy).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get policy by name: %w", err)
	}
	return policy, nil
}

// GetByBody retrieves a policy whose canonical body matches.
func (m *PoliciesManager) GetByBody(ctx context.Context, body PolicyBody) (*models.Policy, error) {
	canonical, err := body.Canonical()
	if err != nil {
		return nil, ErrInvalid
	}
	policy := new(models.Policy)
	err = m.db.NewSelect().Model(policy).Where("body = ?", canonical).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get policy by body: %w", err)
	}
	return policy, nil
}

// List retrieves all policies ordered by id.
func (m *PoliciesManager) List(ctx context.Context) ([]models.Policy, error) {
	var policies []models.Policy
	if err := m.db.NewSelect().Model(&policies).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return policies, nil
}

// UpdatePolicyParams carries the optional update fields; nil means
// unchanged. Seed lets the defaults loader rewrite reserved policies.
type UpdatePolicyParams struct {
	Name         *string
	Body         *PolicyBody
	ResourceType *models.ResourceType
	Seed         bool
}

// Update changes a policy's name, body or resource type. Reserved policies
// are refused unless Seed is set. Updating with no fields set is a silent
// no-op.
func (m *PoliciesManager) Update(ctx context.Context, id int64, p UpdatePolicyParams) error {
	if id <= MaxReserved && !p.Seed {
		return ErrAdminResources
	}
	if p.Name == nil && p.Body == nil && p.ResourceType == nil {
		return nil
	}

	policy, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.Name != nil {
		policy.Name = *p.Name
	}
	if p.Body != nil {
		if err := p.Body.Validate(); err != nil {
			return err
		}
		if policy.Body, err = p.Body.Canonical(); err != nil {
			return ErrInvalid
		}
	}
	if p.ResourceType != nil {
		policy.ResourceType = *p.ResourceType
	}

	if _, err := m.db.NewUpdate().Model(policy).WherePK().Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update policy: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// Delete removes a policy by id. Reserved policies are refused. Returns
// false when the policy does not exist.
func (m *PoliciesManager) Delete(ctx context.Context, id int64) (bool, error) {
	if id <= MaxReserved {
		return false, ErrAdminResources
	}
	deleted := false
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*models.Policy)(nil)).Where("id = ?", id).Exec(ctx)
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
		return false, fmt.Errorf("delete policy: %w", err)
	}
	if deleted {
		invalidate(m.cache)
	}
	return deleted, nil
}

// DeleteByName removes a policy by name, honoring the reserved-ID policy.
func (m *PoliciesManager) DeleteByName(ctx context.Context, name string) (bool, error) {
	policy, err := m.GetByName(ctx, name)
	if errors.Is(err, ErrPolicyNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Delete(ctx, policy.ID)
}

// DeleteAll removes every non-reserved policy and returns their ids.
func (m *PoliciesManager) DeleteAll(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model((*models.Policy)(nil)).
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
			Model((*models.Policy)(nil)).
			Where("id > ?", MaxReserved).
			Exec(ctx); err != nil {
			return err
		}
		return sweepOrphans(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("delete all policies: %w", err)
	}
	if len(ids) > 0 {
		invalidate(m.cache)
	}
	return ids, nil
}
