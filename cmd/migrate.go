package cmd

import (
	"fmt"
	"log"

	"github.com/arcward/discofeed/discofeed"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or migrate the database schema",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable DF_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DF_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := discofeed.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			log.Fatalf("Error getting database connection: %v", err)
		}
		if err = sqlDB.Close(); err != nil {
			log.Fatalf("Error closing database: %v", err)
		}

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Migration complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
}
