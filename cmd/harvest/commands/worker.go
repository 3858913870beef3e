package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend/queue"
	"github.com/teranos/harvest/display"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/logger"
	"github.com/teranos/harvest/sym"
)

// WorkerCmd represents the worker command
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.Worker + " Run the local work queue",
	Long: sym.Worker + ` worker — Run the local work queue

With backend.identifier = "LOCALQUEUE", launched jobs are persisted as work
items next to the job tables. A worker pops them and runs their commands on
this machine until interrupted.

Examples:
  harvest worker start --workers 4
  harvest worker status`,
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Process queued work items until interrupted",
	RunE:  runWorkerStart,
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show work item counts and recent failures",
	RunE:  runWorkerStatus,
}

var (
	workerCount  int
	workerFailed int
)

func init() {
	workerStartCmd.Flags().IntVarP(&workerCount, "workers", "w", 0, "Number of peons, defaults to queue.workers")
	workerStatusCmd.Flags().IntVar(&workerFailed, "failed", 10, "Number of recent failures to show")

	WorkerCmd.AddCommand(workerStartCmd)
	WorkerCmd.AddCommand(workerStatusCmd)
}

// localQueue returns the work queue of the LOCALQUEUE backend
func localQueue(e *env) (*queue.Queue, error) {
	be, err := e.backend()
	if err != nil {
		return nil, err
	}
	qb, ok := be.(*queue.Backend)
	if !ok {
		return nil, errors.WithHintf(
			errors.NewInvalidRequestError("backend %s has no local work queue", be.Identifier()),
			"set backend.identifier = %q", am.BackendLocalQueue)
	}
	return qb.Queue(), nil
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	q, err := localQueue(e)
	if err != nil {
		return err
	}
	cfg := queue.PoolConfigFrom(e.cfg.Queue)
	if workerCount > 0 {
		cfg.Workers = workerCount
	}
	pool := queue.NewPool(q, e.store, cfg, e.log)

	// poll interval follows the config file while running
	if path := watchedConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			e.log.Warnw("Config watcher not started", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(c *am.Config) error {
				pool.SetPollInterval(time.Duration(c.Queue.PollIntervalMS) * time.Millisecond)
				return nil
			})
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			defer func() {
				am.SetGlobalWatcher(nil)
				watcher.Stop()
			}()
		}
	}

	pterm.Info.Printf("%s Worker started with %d peon(s), polling every %s\n", sym.WorkerOpen, cfg.Workers, cfg.PollInterval)
	err = pool.Run(ctx)
	pterm.Info.Printf("%s Worker stopped after %d item(s)\n", sym.WorkerClose, pool.Processed())
	return err
}

// watchedConfigPath is the project config if there is one, else the user config
func watchedConfigPath() string {
	if path := am.FindProjectConfig(); path != "" {
		return path
	}
	return am.UserConfigPath()
}

func runWorkerStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	q, err := localQueue(e)
	if err != nil {
		return err
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(counts)
	}
	rows := pterm.TableData{{"Status", "Items"}}
	for _, st := range []queue.ItemStatus{queue.ItemHeld, queue.ItemQueued, queue.ItemRunning, queue.ItemDone, queue.ItemFailed} {
		rows = append(rows, []string{string(st), fmt.Sprint(counts[st])})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	if workerFailed <= 0 || counts[queue.ItemFailed] == 0 {
		return nil
	}
	failed, err := q.List(ctx, queue.ItemFailed, workerFailed)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println("Recent failures")
	for _, item := range failed {
		pterm.Error.Printf("item %d (job %d): %s\n", item.ID, item.Envelope.JobID, item.Error)
	}
	return nil
}
