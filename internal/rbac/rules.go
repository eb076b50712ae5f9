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

// RulesManager persists authorization-context rules.
type RulesManager struct {
	db    *bun.DB
	cache Invalidator
}

// NewRulesManager creates a rules manager. cache may be nil.
func NewRulesManager(db *bun.DB, cache Invalidator) *RulesManager {
	return &RulesManager{db: db, cache: cache}
}

// RuleParams carries the optional fields of Add.
type RuleParams struct {
	ID           int64
	CreatedAt    time.Time
	ResourceType models.ResourceType
	Seed         bool
}

// Add creates a rule. The body must be a JSON object; anything else returns
// ErrInvalid before the database is touched.
func (m *RulesManager) Add(ctx context.Context, name string, rule map[string]any, p RuleParams) error {
	body, err := NormalizeRuleBody(rule)
	if err != nil {
		return err
	}

	resourceType := p.ResourceType
	if resourceType == "" {
		resourceType = models.ResourceTypeUser
	}

	err = runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		id := p.ID
		if !p.Seed {
			var err error
			if id, err = reservedOverflowID(ctx, tx, "rules", id); err != nil {
				return err
			}
		}
		row := &models.Rule{
			Name:         name,
			RuleBody:     body,
			ResourceType: resourceType,
			CreatedAt:    orNow(p.CreatedAt),
		}
		if id != 0 {
			row.ID = id
		}
		_, err := tx.NewInsert().Model(row).Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if isConstraintViolation(err) {
		return ErrConstraint
	}
	if err != nil {
		return fmt.Errorf("add rule: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// GetByID retrieves a rule by id.
func (m *RulesManager) GetByID(ctx context.Context, id int64) (*models.Rule, error) {
	rule := new(models.Rule)
	err := m.db.NewSelect().Model(rule).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// GetByName retrieves a rule by name.
func (m *RulesManager) GetByName(ctx context.Context, name string) (*models.Rule, error) {
	rule := new(models.Rule)
	err := m.db.NewSelect().Model(rule).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get rule by name: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by id.
func (m *RulesManager) List(ctx context.Context) ([]models.Rule, error) {
	var rules []models.Rule
	if err := m.db.NewSelect().Model(&rules).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// UpdateRuleParams carries the optional update fields; nil means unchanged.
type UpdateRuleParams struct {
	Name         *string
	Rule         map[string]any
	ResourceType *models.ResourceType
}

// Update changes a rule's name, body or resource type. Reserved rules are
// refused. Updating with no fields set is a silent no-op.
func (m *RulesManager) Update(ctx context.Context, id int64, p UpdateRuleParams) error {
	if id <= MaxReserved {
		return ErrAdminResources
	}
	if p.Name == nil && p.Rule == nil && p.ResourceType == nil {
		return nil
	}

	rule, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.Name != nil {
		rule.Name = *p.Name
	}
	if p.Rule != nil {
		if rule.RuleBody, err = NormalizeRuleBody(p.Rule); err != nil {
			return err
		}
	}
	if p.ResourceType != nil {
		rule.ResourceType = *p.ResourceType
	}

	if _, err := m.db.NewUpdate().Model(rule).WherePK().Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update rule: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// Delete removes a rule by id. Reserved rules are refused. Returns false
// when the rule does not exist.
func (m *RulesManager) Delete(ctx context.Context, id int64) (bool, error) {
	if id <= MaxReserved {
		return false, ErrAdminResources
	}
	deleted := false
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*models.Rule)(nil)).Where("id = ?", id).Exec(ctx)
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
		return false, fmt.Errorf("delete rule: %w", err)
	}
	if deleted {
		invalidate(m.cache)
	}
	return deleted, nil
}

// DeleteByName removes a rule by name, honoring the reserved-ID policy.
func (m *RulesManager) DeleteByName(ctx context.Context, name string) (bool, error) {
	rule, err := m.GetByName(ctx, name)
	if errors.Is(err, ErrRuleNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Delete(ctx, rule.ID)
}

// DeleteAll removes every non-reserved rule and returns their ids.
func (m *RulesManager) DeleteAll(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model((*models.Rule)(nil)).
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
			Model((*models.Rule)(nil)).
			Where("id > ?", MaxReserved).
			Exec(ctx); err != nil {
			return err
		}
		return sweepOrphans(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("delete all rules: %w", err)
	}
	if len(ids) > 0 {
		invalidate(m.cache)
	}
	return ids, nil
}
