package bunx

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/sentinelsec/rbacdb/internal/db/models"
)

// Open creates a Bun database handle for the embedded SQLite file at path.
// ":memory:" is accepted for tests.
func Open(path string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite best practices: single writer connection
	// Multiple readers are fine, but limit write concurrency
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	// Enable foreign keys (disabled by default in SQLite)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// UserVersion reads the schema version recorded in the database file.
func UserVersion(ctx context.Context, db *bun.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion stamps the schema version on the database file. PRAGMA does
// not support placeholders, but the version is an int so interpolation is safe.
func SetUserVersion(ctx context.Context, db *bun.DB, version int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// CreateSchema applies the full DDL: four entity tables, three relationship
// tables and three token-blacklist ledgers. It is idempotent.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.Role)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create roles table: %w", err)
	}

	// Role names are capped at 64 chars, on insert and rename alike
	if _, err := db.ExecContext(ctx, `
		CREATE TRIGGER IF NOT EXISTS trg_roles_name_length
		BEFORE INSERT ON roles
		WHEN length(NEW.name) > 64
		BEGIN
			SELECT RAISE(ABORT, 'CHECK constraint failed: length(name) <= 64');
		END
	`); err != nil {
		return fmt.Errorf("failed to create roles name length trigger: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TRIGGER IF NOT EXISTS trg_roles_name_length_update
		BEFORE UPDATE ON roles
		WHEN length(NEW.name) > 64
		BEGIN
			SELECT RAISE(ABORT, 'CHECK constraint failed: length(name) <= 64');
		END
	`); err != nil {
		return fmt.Errorf("failed to create roles name length update trigger: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.Rule)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create rules table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.Policy)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create policies table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.UserRole)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		ForeignKey(`("role_id") REFERENCES "roles" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create user_roles table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.RolePolicy)(nil)).
		IfNotExists().
		ForeignKey(`("role_id") REFERENCES "roles" ("id") ON DELETE CASCADE`).
		ForeignKey(`("policy_id") REFERENCES "policies" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create roles_policies table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.RoleRule)(nil)).
		IfNotExists().
		ForeignKey(`("role_id") REFERENCES "roles" ("id") ON DELETE CASCADE`).
		ForeignKey(`("rule_id") REFERENCES "rules" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create roles_rules table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.UserTokenRule)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create users_token_blacklist table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.RoleTokenRule)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create roles_token_blacklist table: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*models.RunAsTokenRule)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create runas_token_blacklist table: %w", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_roles_user_role ON user_roles (user_id, role_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_policies_role_policy ON roles_policies (role_id, policy_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_roles_rules_role_rule ON roles_rules (role_id, rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_roles_user_id ON user_roles (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_roles_policies_role_id ON roles_policies (role_id)`,
		`CREATE INDEX IF NOT EXISTS idx_roles_rules_role_id ON roles_rules (role_id)`,
	}
	for _, ddl := range indexes {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
