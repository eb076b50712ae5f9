package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// linkTable describes one of the relationship tables so the ordered-level
// bookkeeping can be shared across the three relationship managers.
type linkTable struct {
	table     string
	parentCol string
	childCol  string
}

var (
	userRolesLink     = linkTable{table: "user_roles", parentCol: "user_id", childCol: "role_id"}
	rolesPoliciesLink = linkTable{table: "roles_policies", parentCol: "role_id", childCol: "policy_id"}
	rolesRulesLink    = linkTable{table: "roles_rules", parentCol: "role_id", childCol: "rule_id"}
)

// LinkParams carries the optional fields of a relationship Add. Position
// requests a specific level within the parent's ordered list; nil appends.
// ForceAdmin lets the seed and migration paths link reserved parents.
type LinkParams struct {
	Position   *int
	CreatedAt  time.Time
	ForceAdmin bool
}

// exists reports whether the (parent, child) link is present.
func (lt linkTable) exists(ctx context.Context, idb bun.IDB, parentID, childID int64) (bool, error) {
	count, err := idb.NewSelect().
		Table(lt.table).
		Where("? = ?", bun.Ident(lt.parentCol), parentID).
		Where("? = ?", bun.Ident(lt.childCol), childID).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// rowExists reports whether an entity row with the given id exists in table.
func rowExists(ctx context.Context, idb bun.IDB, table string, id int64) (bool, error) {
	count, err := idb.NewSelect().Table(table).Where("id = ?", id).Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// placeLevel computes the level for a new link under parentID and shifts
// existing siblings when the caller asks for a specific position. With no
// position the link is appended after the parent's current children; a
// position beyond the end clamps to one past the highest existing level.
func (lt linkTable) placeLevel(ctx context.Context, idb bun.IDB, parentID int64, position *int) (int, error) {
	if position == nil {
		count, err := idb.NewSelect().
			Table(lt.table).
			Where("? = ?", bun.Ident(lt.parentCol), parentID).
			Count(ctx)
		if err != nil {
			return 0, err
		}
		return count, nil
	}

	var maxLevel int
	err := idb.NewSelect().
		Table(lt.table).
		ColumnExpr("level").
		Where("? = ?", bun.Ident(lt.parentCol), parentID).
		OrderExpr("level DESC").
		Limit(1).
		Scan(ctx, &maxLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	level := *position
	if level > maxLevel+1 {
		level = maxLevel + 1
	}
	if _, err := idb.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET level = level + 1 WHERE %s = ? AND level >= ?", lt.table, lt.parentCol),
		parentID, level,
	); err != nil {
		return 0, err
	}
	return level, nil
}

// removeLink deletes the (parent, child) row and closes the level gap it
// leaves behind. Returns ErrInvalid when the link does not exist.
func (lt linkTable) removeLink(ctx context.Context, idb bun.IDB, parentID, childID int64) error {
	var level int
	err := idb.NewSelect().
		Table(lt.table).
		ColumnExpr("level").
		Where("? = ?", bun.Ident(lt.parentCol), parentID).
		Where("? = ?", bun.Ident(lt.childCol), childID).
		Scan(ctx, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalid
	}
	if err != nil {
		return err
	}

	if _, err := idb.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", lt.table, lt.parentCol, lt.childCol),
		parentID, childID,
	); err != nil {
		return err
	}
	_, err = idb.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET level = level - 1 WHERE %s = ? AND level > ?", lt.table, lt.parentCol),
		parentID, level,
	)
	return err
}

// removeUnorderedLink deletes the (parent, child) row of a relationship that
// carries no level. Returns ErrInvalid when the link does not exist.
func (lt linkTable) removeUnorderedLink(ctx context.Context, idb bun.IDB, parentID, childID int64) error {
	res, err := idb.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", lt.table, lt.parentCol, lt.childCol),
		parentID, childID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalid
	}
	return nil
}
