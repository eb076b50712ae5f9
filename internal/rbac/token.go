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

// Clock abstracts wall-clock time so token-rule tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TokenManager maintains the three token-invalidation ledgers. A ledger row
// declares every token of its subject invalid when the token's nbf claim is
// at or before the recorded cutoff; rows are reaped once they outlive the
// tokens they invalidate.
type TokenManager struct {
	db      *bun.DB
	clock   Clock
	timeout time.Duration
	cache   Invalidator
}

// NewTokenManager creates a token manager. timeout is the configured token
// expiration window; rules stay valid for that long past their cutoff.
// clock and cache may be nil.
func NewTokenManager(db *bun.DB, clock Clock, timeout time.Duration, cache Invalidator) *TokenManager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TokenManager{db: db, clock: clock, timeout: timeout, cache: cache}
}

// IsTokenValid reports whether a token with the given nbf claim is still
// acceptable for the optional user and role subjects. When runAs is set the
// run-as ledger is consulted as well. A token passes a ledger when no rule
// exists for the subject or the token was issued after the rule's cutoff.
func (m *TokenManager) IsTokenValid(ctx context.Context, tokenNbf int64, userID, roleID *int64, runAs bool) (bool, error) {
	if userID != nil {
		rule := new(models.UserTokenRule)
		err := m.db.NewSelect().Model(rule).Where("user_id = ?", *userID).Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("check user token rule: %w", err)
		}
		if err == nil && tokenNbf <= rule.NbfInvalidUntil {
			return false, nil
		}
	}
	if roleID != nil {
		rule := new(models.RoleTokenRule)
		err := m.db.NewSelect().Model(rule).Where("role_id = ?", *roleID).Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("check role token rule: %w", err)
		}
		if err == nil && tokenNbf <= rule.NbfInvalidUntil {
			return false, nil
		}
	}
	if runAs {
		rule := new(models.RunAsTokenRule)
		err := m.db.NewSelect().Model(rule).Limit(1).Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("check run_as token rule: %w", err)
		}
		if err == nil && tokenNbf <= rule.NbfInvalidUntil {
			return false, nil
		}
	}
	return true, nil
}

// AddRules records invalidation rules for the given user and role ids, and
// for the run-as flow when runAs is set. An existing rule for a subject is
// replaced; the run-as ledger keeps at most one row.
func (m *TokenManager) AddRules(ctx context.Context, users, roles []int64, runAs bool) error {
	now := m.clock.Now().Unix()
	validUntil := now + int64(m.timeout.Seconds())

	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		for _, id := range users {
			if _, err := tx.NewDelete().
				Model((*models.UserTokenRule)(nil)).
				Where("user_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
			rule := &models.UserTokenRule{UserID: id, NbfInvalidUntil: now, IsValidUntil: validUntil}
			if _, err := tx.NewInsert().Model(rule).Exec(ctx); err != nil {
				return err
			}
		}
		for _, id := range roles {
			if _, err := tx.NewDelete().
				Model((*models.RoleTokenRule)(nil)).
				Where("role_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
			rule := &models.RoleTokenRule{RoleID: id, NbfInvalidUntil: now, IsValidUntil: validUntil}
			if _, err := tx.NewInsert().Model(rule).Exec(ctx); err != nil {
				return err
			}
		}
		if runAs {
			if _, err := tx.NewDelete().
				Model((*models.RunAsTokenRule)(nil)).
				Where("1 = 1").
				Exec(ctx); err != nil {
				return err
			}
			rule := &models.RunAsTokenRule{NbfInvalidUntil: now, IsValidUntil: validUntil}
			if _, err := tx.NewInsert().Model(rule).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add token rules: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// DeleteUserRule removes the invalidation rule of a single user.
func (m *TokenManager) DeleteUserRule(ctx context.Context, userID int64) error {
	res, err := m.db.NewDelete().
		Model((*models.UserTokenRule)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete user token rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user token rule: %w", err)
	}
	if affected == 0 {
		return ErrTokenRuleNotExist
	}
	invalidate(m.cache)
	return nil
}

// DeleteRoleRule removes the invalidation rule of a single role.
func (m *TokenManager) DeleteRoleRule(ctx context.Context, roleID int64) error {
	res, err := m.db.NewDelete().
		Model((*models.RoleTokenRule)(nil)).
		Where("role_id = ?", roleID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete role token rule: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete role token rule: %w", err)
	}
	if affected == 0 {
		return ErrTokenRuleNotExist
	}
	invalidate(m.cache)
	return nil
}

// DeleteExpired reaps ledger rows whose reaping deadline has passed and
// returns the user and role ids whose rules were removed. Safe to call
// repeatedly.
func (m *TokenManager) DeleteExpired(ctx context.Context) (users, roles []int64, err error) {
	now := m.clock.Now().Unix()
	err = runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model((*models.UserTokenRule)(nil)).
			Column("user_id").
			Where("is_valid_until < ?", now).
			Order("user_id ASC").
			Scan(ctx, &users); err != nil {
			return err
		}
		if err := tx.NewSelect().
			Model((*models.RoleTokenRule)(nil)).
			Column("role_id").
			Where("is_valid_until < ?", now).
			Order("role_id ASC").
			Scan(ctx, &roles); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*models.UserTokenRule)(nil)).
			Where("is_valid_until < ?", now).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*models.RoleTokenRule)(nil)).
			Where("is_valid_until < ?", now).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*models.RunAsTokenRule)(nil)).
			Where("is_valid_until < ?", now).
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("delete expired token rules: %w", err)
	}
	if len(users) > 0 || len(roles) > 0 {
		invalidate(m.cache)
	}
	return users, roles, nil
}

// DeleteAll truncates all three ledgers and returns the user and role ids
// whose rules were removed.
func (m *TokenManager) DeleteAll(ctx context.Context) (users, roles []int64, err error) {
	err = runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model((*models.UserTokenRule)(nil)).
			Column("user_id").
			Order("user_id ASC").
			Scan(ctx, &users); err != nil {
			return err
		}
		if err := tx.NewSelect().
			Model((*models.RoleTokenRule)(nil)).
			Column("role_id").
			Order("role_id ASC").
			Scan(ctx, &roles); err != nil {
			return err
		}
		for _, model := range []any{
			(*models.UserTokenRule)(nil),
			(*models.RoleTokenRule)(nil),
			(*models.RunAsTokenRule)(nil),
		} {
			if _, err := tx.NewDelete().Model(model).Where("1 = 1").Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("delete all token rules: %w", err)
	}
	invalidate(m.cache)
	return users, roles, nil
}

// GetAllRules returns the cutoff timestamps per user and per role.
func (m *TokenManager) GetAllRules(ctx context.Context) (map[int64]int64, map[int64]int64, error) {
	var userRules []models.UserTokenRule
	if err := m.db.NewSelect().Model(&userRules).Scan(ctx); err != nil {
		return nil, nil, fmt.Errorf("get token rules: %w", err)
	}
	var roleRules []models.RoleTokenRule
	if err := m.db.NewSelect().Model(&roleRules).Scan(ctx); err != nil {
		return nil, nil, fmt.Errorf("get token rules: %w", err)
	}
	users := make(map[int64]int64, len(userRules))
	for _, rule := range userRules {
		users[rule.UserID] = rule.NbfInvalidUntil
	}
	roles := make(map[int64]int64, len(roleRules))
	for _, rule := range roleRules {
		roles[rule.RoleID] = rule.NbfInvalidUntil
	}
	return users, roles, nil
}
