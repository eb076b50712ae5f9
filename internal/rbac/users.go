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

// UsersManager persists API users and their credentials.
type UsersManager struct {
	db     *bun.DB
	hasher PasswordHasher
	cache  Invalidator
}

// NewUsersManager creates a users manager. cache may be nil.
func NewUsersManager(db *bun.DB, hasher PasswordHasher, cache Invalidator) *UsersManager {
	return &UsersManager{db: db, hasher: hasher, cache: cache}
}

// UserParams carries the optional fields of Add. The zero value of ID,
// CreatedAt and ResourceType means "assign automatically". Seed is set only
// by the defaults loader and the migrator: it honors caller-supplied IDs
// inside the reserved band and skips the overflow forcing.
type UserParams struct {
	ID           int64
	CreatedAt    time.Time
	ResourceType models.ResourceType
	Seed         bool
}

// Add creates a user. The password is hashed unless hashed is true.
// Returns ErrAlreadyExists when the username is taken.
func (m *UsersManager) Add(ctx context.Context, username, password string, hashed bool, p UserParams) error {
	hash := password
	if !hashed {
		var err error
		hash, err = m.hasher.Hash(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	}

	resourceType := p.ResourceType
	if resourceType == "" {
		resourceType = models.ResourceTypeUser
	}

	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		id := p.ID
		if !p.Seed {
			var err error
			if id, err = reservedOverflowID(ctx, tx, "users", id); err != nil {
				return err
			}
		}
		user := &models.User{
			Username:     username,
			PasswordHash: hash,
			ResourceType: resourceType,
			CreatedAt:    orNow(p.CreatedAt),
		}
		if id != 0 {
			user.ID = id
		}
		if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
			return err
		}
		return nil
	})
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if isConstraintViolation(err) {
		return ErrConstraint
	}
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// GetByID retrieves a user by id.
func (m *UsersManager) GetByID(ctx context.Context, id int64) (*models.User, error) {
	user := new(models.User)
	err := m.db.NewSelect().Model(user).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// GetByName retrieves a user by username.
func (m *UsersManager) GetByName(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	err := m.db.NewSelect().Model(user).Where("username = ?", username).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get user by name: %w", err)
	}
	return user, nil
}

// List retrieves all users ordered by id.
func (m *UsersManager) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := m.db.NewSelect().Model(&users).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUserParams carries the optional update fields; nil means unchanged.
type UpdateUserParams struct {
	Password     *string
	ResourceType *models.ResourceType
	Seed         bool
}

// Update changes a user's password or resource type. Reserved users are
// refused unless Seed is set. Updating with no fields set is a silent no-op.
func (m *UsersManager) Update(ctx context.Context, id int64, p UpdateUserParams) error {
	if id <= MaxReserved && !p.Seed {
		return ErrAdminResources
	}
	if p.Password == nil && p.ResourceType == nil {
		return nil
	}

	user, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.Password != nil {
		if user.PasswordHash, err = m.hasher.Hash(*p.Password); err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	}
	if p.ResourceType != nil {
		user.ResourceType = *p.ResourceType
	}

	if _, err := m.db.NewUpdate().Model(user).WherePK().Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update user: %w", err)
	}
	invalidate(m.cache)
	return nil
}

// EditRunAs flips the user's allow_run_as flag. Unlike Update this applies
// to reserved users too: the defaults loader sets the flag on built-ins.
func (m *UsersManager) EditRunAs(ctx context.Context, id int64, allowRunAs bool) error {
	res, err := m.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("allow_run_as = ?", allowRunAs).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("edit run_as: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("edit run_as: %w", err)
	}
	if affected == 0 {
		return ErrUserNotExist
	}
	invalidate(m.cache)
	return nil
}

// Delete removes a user by id. Reserved users are refused; cascading removes
// the user's role links. Returns false when the user does not exist.
func (m *UsersManager) Delete(ctx context.Context, id int64) (bool, error) {
	if id <= MaxReserved {
		return false, ErrAdminResources
	}
	deleted := false
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*models.User)(nil)).Where("id = ?", id).Exec(ctx)
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
		return false, fmt.Errorf("delete user: %w", err)
	}
	if deleted {
		invalidate(m.cache)
	}
	return deleted, nil
}

// DeleteByName removes a user by username, honoring the reserved-ID policy.
func (m *UsersManager) DeleteByName(ctx context.Context, username string) (bool, error) {
	user, err := m.GetByName(ctx, username)
	if errors.Is(err, ErrUserNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Delete(ctx, user.ID)
}

// DeleteAll removes every non-reserved user and returns their ids.
func (m *UsersManager) DeleteAll(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := runInTx(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model((*models.User)(nil)).
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
			Model((*models.User)(nil)).
			Where("id > ?", MaxReserved).
			Exec(ctx); err != nil {
			return err
		}
		return sweepOrphans(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("delete all users: %w", err)
	}
	if len(ids) > 0 {
		invalidate(m.cache)
	}
	return ids, nil
}

// CheckCredentials validates a username/password pair against the stored
// hash. Unknown usernames simply report false.
func (m *UsersManager) CheckCredentials(ctx context.Context, username, password string) (bool, error) {
	user, err := m.GetByName(ctx, username)
	if errors.Is(err, ErrUserNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.hasher.Verify(user.PasswordHash, password), nil
}

// AllowRunAs reports whether the named user may authenticate through an
// authorization context.
func (m *UsersManager) AllowRunAs(ctx context.Context, username string) (bool, error) {
	user, err := m.GetByName(ctx, username)
	if err != nil {
		return false, err
	}
	return user.AllowRunAs, nil
}
