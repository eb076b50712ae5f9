package rbac

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// sweepOrphans removes relationship rows whose endpoints no longer resolve.
// ON DELETE CASCADE already covers the common paths; the sweep runs inside
// every deleting transaction as a safety net so a dangling link can never
// survive a commit.
func sweepOrphans(ctx context.Context, idb bun.IDB) error {
	sweeps := []string{
		`DELETE FROM user_roles WHERE user_id NOT IN (SELECT id FROM users) OR role_id NOT IN (SELECT id FROM roles)`,
		`DELETE FROM roles_policies WHERE role_id NOT IN (SELECT id FROM roles) OR policy_id NOT IN (SELECT id FROM policies)`,
		`DELETE FROM roles_rules WHERE role_id NOT IN (SELECT id FROM roles) OR rule_id NOT IN (SELECT id FROM rules)`,
	}
	for _, sweep := range sweeps {
		if _, err := idb.ExecContext(ctx, sweep); err != nil {
			return fmt.Errorf("sweep orphans: %w", err)
		}
	}
	return nil
}
