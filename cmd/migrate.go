package cmd

import (
	"fmt"

	"flashback/db"
	"flashback/logger"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		defer logger.Sync()

		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return err
		}
		defer db.CloseGormDB(gdb)

		if err := db.AutoMigrate(gdb); err != nil {
			return err
		}
		fmt.Printf("Schema of %s is up to date.\n", cfg.DBName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
