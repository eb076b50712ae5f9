package rbac

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// maxTableID returns the highest primary key in table, or ok=false when the
// table is empty.
func maxTableID(ctx context.Context, idb bun.IDB, table string) (int64, bool, error) {
	var id int64
	err := idb.NewSelect().
		Table(table).
		ColumnExpr("id").
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// reservedOverflowID implements the reserved-ID forcing: while the highest
// existing id is still inside the reserved band, the first non-seed resource
// gets MaxReserved+1 so user-created ids never land among the built-ins.
func reservedOverflowID(ctx context.Context, idb bun.IDB, table string, requested int64) (int64, error) {
	maxID, ok, err := maxTableID(ctx, idb, table)
	if err != nil {
		return 0, err
	}
	if ok && maxID <= MaxReserved {
		return MaxReserved + 1, nil
	}
	return requested, nil
}

// orNow returns t, defaulting to the current UTC time when t is the zero
// value. Entity and relationship rows record their creation time even when
// the caller (migration) supplies a historical one.
func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// runInTx wraps bun's transaction helper with the package's fixed options.
func runInTx(ctx context.Context, db *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	return db.RunInTx(ctx, &sql.TxOptions{}, fn)
}
