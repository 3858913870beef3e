package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/harvest/cmd/harvest/commands"
	"github.com/teranos/harvest/logger"
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "harvest - plugin orchestration and commit validation",
	Long: `harvest runs repository mining plugins against projects on a cluster
or a local work queue, tracks their jobs, and cross-checks the collected
data against the repository history.

Available commands:
  am       - Show and check configuration
  db       - Manage the job store
  plugin   - Register, install, order and delete plugins
  exec     - Launch and inspect plugin executions
  job      - Inspect jobs, set states, read logs
  worker   - Run the local queue workers
  validate - Validate collected data of a project
  project  - Manage projects and their collected data
  version  - Print build information

Examples:
  harvest plugin add ./vcsshark/plugin.toml
  harvest exec launch commons-io --plugin vcsshark_1.0.0
  harvest worker start --workers 4
  harvest validate run commons-io`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON (default from HARVEST_JSON)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PluginCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ValidateCmd)
	rootCmd.AddCommand(commands.ProjectCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, commands.FormatError(err))
		os.Exit(1)
	}
}
