package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelsec/rbacdb/internal/db/bunx"
	"github.com/sentinelsec/rbacdb/internal/defaults"
	"github.com/sentinelsec/rbacdb/internal/integrity"
	"github.com/sentinelsec/rbacdb/internal/rbac"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and maintain the RBAC database file",
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the startup integrity check",
	Long: `Creates the database if it is missing, seeds the default resources and
upgrades the schema when the stored version is older than this release. The
previous file is kept intact if the upgrade fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		checker := integrity.NewChecker(cfg, nil, nil)
		return checker.Check(cmd.Context())
	},
}

var dbVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schema version stored in the database file",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer bunx.Close(db)

		version, err := bunx.UserVersion(cmd.Context(), db)
		if err != nil {
			return err
		}
		fmt.Printf("%d\n", version)
		return nil
	},
}

var dbSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Re-apply the default resource bundles",
	Long: `Seeds the built-in users, roles, rules, policies and relationships into
the existing database. Resources that already exist by name are preserved;
default policies are reconciled against the shipped bodies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer bunx.Close(db)

		ctx := cmd.Context()
		if err := bunx.CreateSchema(ctx, db); err != nil {
			return err
		}

		cache, err := rbac.NewDecisionCache(cfg.DecisionCacheSize)
		if err != nil {
			return fmt.Errorf("failed to build decision cache: %w", err)
		}

		hasher := &rbac.BcryptHasher{}
		loader := defaults.NewLoader(defaults.Managers{
			Users:         rbac.NewUsersManager(db, hasher, cache),
			Roles:         rbac.NewRolesManager(db, cache),
			Rules:         rbac.NewRulesManager(db, cache),
			Policies:      rbac.NewPoliciesManager(db, cache),
			UserRoles:     rbac.NewUserRolesManager(db, cache),
			RolesPolicies: rbac.NewRolesPoliciesManager(db, cache),
			RolesRules:    rbac.NewRolesRulesManager(db, cache),
		})
		return loader.Load(ctx)
	},
}

func init() {
	dbCmd.AddCommand(dbCheckCmd)
	dbCmd.AddCommand(dbVersionCmd)
	dbCmd.AddCommand(dbSeedCmd)
	rootCmd.AddCommand(dbCmd)
}
