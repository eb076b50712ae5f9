package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelsec/rbacdb/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rbacdb",
	Short: "RBAC database management",
	Long: `rbacdb maintains the embedded RBAC database: users, roles, policies,
rules, their relationships and the token-invalidation ledgers. It seeds the
built-in defaults and upgrades the database file across releases.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		// Flags win over the environment.
		if cmd.Flags().Changed("security-path") {
			cfg.SecurityPath, _ = cmd.Flags().GetString("security-path")
		}
		if cmd.Flags().Changed("debug") {
			cfg.Debug, _ = cmd.Flags().GetBool("debug")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("security-path", "", "Directory holding the RBAC database (env: RBAC_SECURITY_PATH)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: RBAC_DEBUG)")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
