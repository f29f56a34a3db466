package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/db"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
)

// DbCmd groups database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Loom database",
	Long: `Manage database operations.

Examples:
  loom db migrate   # Apply pending schema migrations
  loom db stats     # Show entity counts and database info`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func openDatabase() (*sql.DB, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	database, err := db.Open(cfg.Database.Path, logger.Named("db"))
	if err != nil {
		return nil, "", err
	}
	return database, cfg.Database.Path, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Named("db")); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	fmt.Printf("Database at %s is up to date\n", path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	count := func(query string, args ...interface{}) int {
		var n int
		if err := database.QueryRow(query, args...).Scan(&n); err != nil {
			return 0
		}
		return n
	}

	var version sql.NullInt64
	_ = database.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)

	fmt.Println("Loom Database Statistics")
	fmt.Println("------------------------")
	fmt.Printf("Database Path:   %s\n", path)
	fmt.Printf("Schema Version:  %d\n", version.Int64)
	fmt.Println()
	fmt.Printf("Workflows:       %d (%d active)\n",
		count(`SELECT COUNT(*) FROM workflows`),
		count(`SELECT COUNT(*) FROM workflows WHERE status = 'active'`))
	fmt.Printf("Executions:      %d\n", count(`SELECT COUNT(*) FROM executions`))
	for _, status := range []string{"pending", "running", "completed", "failed", "cancelled"} {
		if n := count(`SELECT COUNT(*) FROM executions WHERE status = ?`, status); n > 0 {
			fmt.Printf("  %-13s  %d\n", status+":", n)
		}
	}
	fmt.Printf("Webhooks:        %d\n", count(`SELECT COUNT(*) FROM webhooks`))
	fmt.Printf("Cron Jobs:       %d (%d active)\n",
		count(`SELECT COUNT(*) FROM cron_jobs`),
		count(`SELECT COUNT(*) FROM cron_jobs WHERE is_active = 1`))
	return nil
}
