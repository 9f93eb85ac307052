package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/store"
)

// Migrations are embedded in the binary and applied automatically when
// the store opens, so `up` doubles as "create the database now". The
// subcommands exist for inspection and explicit rollback.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Store schema management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			v, dirty, err := st.MigrationVersion()
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("schema at v%d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.MigrateDown(); err != nil {
				return err
			}
			v, dirty, err := st.MigrationVersion()
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("rolled back to v%d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(config.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			v, dirty, err := st.MigrationVersion()
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			fmt.Printf("version: %d, dirty: %v\n", v, dirty)
			return nil
		},
	}
}
