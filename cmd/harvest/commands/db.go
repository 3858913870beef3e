package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/db"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/sym"
)

// DbCmd represents the db (job store) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the job store",
	Long: sym.DB + ` db — Manage the job store

Examples:
  harvest db status    # List pending schema migrations
  harvest db migrate   # Apply pending schema migrations`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List pending schema migrations",
	RunE:  runDbStatus,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return errors.Wrap(err, "failed to get database path")
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return err
	}
	pterm.Success.Printf("Job store at %s is up to date\n", path)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return errors.Wrap(err, "failed to get database path")
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		pterm.Success.Printf("Job store at %s is up to date\n", path)
		return nil
	}
	pterm.Warning.Printf("%d pending migration(s) for %s; run: harvest db migrate\n", len(pending), path)
	for _, m := range pending {
		pterm.Println("  " + m.Name)
	}
	return nil
}
