package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/display"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/reconcile"
	"github.com/teranos/harvest/scheduler"
	"github.com/teranos/harvest/sym"
)

// ExecCmd represents the exec command
var ExecCmd = &cobra.Command{
	Use:   "exec",
	Short: sym.Exec + " Launch and inspect plugin executions",
	Long: sym.Exec + ` exec — Launch and inspect plugin executions

A launch creates one plugin execution per plugin, in dependency order, with
its jobs, and submits them to the configured backend.

Execution types for revision plugins:
  all    every commit of the repository
  new    commits without a finished job of the plugin
  rev    the commits given with --revisions
  error  commits whose latest job of the plugin ended in EXIT
  ver    commits that failed validation

Examples:
  harvest exec launch commons-io --plugin vcsshark_1.0.0
  harvest exec launch commons-io --plugin mecoshark_1.0.0 --type rev --revisions a1b2,c3d4
  harvest exec status 12
  harvest exec restart 12`,
}

var execLaunchCmd = &cobra.Command{
	Use:   "launch <project>",
	Short: "Launch plugins on a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecLaunch,
}

var execRestartCmd = &cobra.Command{
	Use:   "restart <execution>",
	Short: "Run a finished execution again with the same arguments",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecRestart,
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel <execution>",
	Short: "Mark an execution and its waiting jobs EXIT",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecCancel,
}

var execStatusCmd = &cobra.Command{
	Use:   "status <execution>",
	Short: "Refresh and show the job counts of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecStatus,
}

var execLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List plugin executions",
	RunE:  runExecLs,
}

var (
	launchPlugins    []string
	launchType       string
	launchRevisions  string
	launchRepository string
	launchQueue      string
	launchCores      int
	launchArgs       []string

	execLsProject string
	execLsPlugin  string
	execLsStatus  string
)

func init() {
	execLaunchCmd.Flags().StringArrayVarP(&launchPlugins, "plugin", "p", nil, "Plugin to run, id or name_version (repeatable)")
	execLaunchCmd.Flags().StringVarP(&launchType, "type", "t", string(jobstore.ExecutionAll), "Execution type for revision plugins: all, new, rev, error, ver")
	execLaunchCmd.Flags().StringVar(&launchRevisions, "revisions", "", "Comma separated commits for --type rev")
	execLaunchCmd.Flags().StringVar(&launchRepository, "repository", "", "Repository URL, defaults to the project's first repository")
	execLaunchCmd.Flags().StringVar(&launchQueue, "queue", "", "Queue, defaults to the backend's queue")
	execLaunchCmd.Flags().IntVar(&launchCores, "cores", 0, "Cores per job, defaults to the backend's setting")
	execLaunchCmd.Flags().StringArrayVar(&launchArgs, "arg", nil, "Execution argument as name=value, applied to every plugin declaring it (repeatable)")
	_ = execLaunchCmd.MarkFlagRequired("plugin")

	execLsCmd.Flags().StringVar(&execLsProject, "project", "", "Only executions on this project")
	execLsCmd.Flags().StringVar(&execLsPlugin, "plugin", "", "Only executions of this plugin")
	execLsCmd.Flags().StringVar(&execLsStatus, "status", "", "Only executions in this state")

	ExecCmd.AddCommand(execLaunchCmd)
	ExecCmd.AddCommand(execRestartCmd)
	ExecCmd.AddCommand(execCancelCmd)
	ExecCmd.AddCommand(execStatusCmd)
	ExecCmd.AddCommand(execLsCmd)
}

// orchestration is the scheduler and reconciler over the configured backend
type orchestration struct {
	backend    backend.Backend
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler
}

// orchestrate wires the scheduler; withCollected connects the collected-data
// store, which revision selection needs
func orchestrate(cmd *cobra.Command, e *env, withCollected bool) (*orchestration, error) {
	be, err := e.backend()
	if err != nil {
		return nil, err
	}
	var sched *scheduler.Scheduler
	if withCollected {
		mongo, err := e.collected(cmd.Context())
		if err != nil {
			return nil, err
		}
		sched = scheduler.New(e.store, mongo, be, e.log)
	} else {
		sched = scheduler.New(e.store, nil, be, e.log)
	}
	return &orchestration{
		backend:    be,
		scheduler:  sched,
		reconciler: reconcile.New(e.store, sched, e.log),
	}, nil
}

func runExecLaunch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	values, err := parseAssignments(launchArgs)
	if err != nil {
		return err
	}
	execType := jobstore.ExecutionType(strings.ToLower(launchType))
	if !execType.Valid() {
		return errors.NewInvalidRequestError("unknown execution type %q", launchType)
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	project, err := e.project(ctx, args[0])
	if err != nil {
		return err
	}

	requests := make([]scheduler.LaunchRequest, 0, len(launchPlugins))
	for _, ref := range launchPlugins {
		p, err := e.plugin(ctx, ref)
		if err != nil {
			return err
		}
		requests = append(requests, scheduler.LaunchRequest{
			Plugin:        p,
			ExecutionType: execType,
			Revisions:     launchRevisions,
			RepositoryURL: launchRepository,
			Queue:         launchQueue,
			CoresPerJob:   launchCores,
			Arguments:     values,
		})
	}

	o, err := orchestrate(cmd, e, true)
	if err != nil {
		return err
	}
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Submitting %d plugin(s) to %s...", len(requests), o.backend.Identifier()))
	sub, err := o.scheduler.Launch(ctx, project, requests)
	if err != nil {
		spinner.Fail("Launch refused")
		return err
	}
	if err := waitSubmitted(ctx, o.backend, sub); err != nil {
		spinner.Fail("Submission failed")
		return errors.WithHint(err, "the jobs were created; retry with: harvest exec restart <execution>")
	}
	spinner.Success("Submitted")

	rows := pterm.TableData{{"Execution", "Plugin", "Type", "Jobs"}}
	for _, planned := range sub.Executions {
		rows = append(rows, []string{
			fmt.Sprint(planned.Execution.ID), planned.Plugin.String(),
			string(planned.Execution.ExecutionType), fmt.Sprint(len(planned.Jobs)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runExecRestart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	pe, err := e.execution(ctx, args[0])
	if err != nil {
		return err
	}
	o, err := orchestrate(cmd, e, pe.ExecutionType != jobstore.ExecutionRev)
	if err != nil {
		return err
	}
	sub, err := o.reconciler.Restart(ctx, pe)
	if err != nil {
		return err
	}
	if err := waitSubmitted(ctx, o.backend, sub); err != nil {
		return err
	}
	for _, planned := range sub.Executions {
		pterm.Success.Printf("Restarted execution %d as %d with %d jobs\n", pe.ID, planned.Execution.ID, len(planned.Jobs))
	}
	return nil
}

func runExecCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	pe, err := e.execution(ctx, args[0])
	if err != nil {
		return err
	}
	o, err := orchestrate(cmd, e, false)
	if err != nil {
		return err
	}
	n, err := o.reconciler.Cancel(ctx, pe)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Execution %d cancelled, %d waiting jobs marked EXIT\n", pe.ID, n)
	return nil
}

func runExecStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	pe, err := e.execution(ctx, args[0])
	if err != nil {
		return err
	}
	o, err := orchestrate(cmd, e, false)
	if err != nil {
		return err
	}
	changed, err := o.reconciler.RefreshExecution(ctx, pe)
	if err != nil {
		return err
	}
	counts, err := o.reconciler.StatusCounts(ctx, pe)
	if err != nil {
		return err
	}
	status := reconcile.ExecutionStatus(counts)
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{
			"execution": pe.ID,
			"status":    status,
			"changed":   changed,
			"counts":    counts,
		})
	}

	pterm.DefaultSection.Printf("Execution %d %s %s", pe.ID, sym.Status(status), status)
	rows := pterm.TableData{
		{"State", "Jobs"},
		{sym.Wait + " WAIT", fmt.Sprint(counts.Wait)},
		{sym.Done + " DONE", fmt.Sprint(counts.Done)},
		{sym.Exit + " EXIT", fmt.Sprint(counts.Exit)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	if changed > 0 {
		pterm.Info.Printf("%d job(s) changed state on %s\n", changed, o.backend.Identifier())
	}
	return nil
}

func runExecLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	var filter jobstore.ExecutionFilter
	if execLsProject != "" {
		project, err := e.project(ctx, execLsProject)
		if err != nil {
			return err
		}
		filter.ProjectID = project.ID
	}
	if execLsPlugin != "" {
		p, err := e.plugin(ctx, execLsPlugin)
		if err != nil {
			return err
		}
		filter.PluginID = p.ID
	}
	if execLsStatus != "" {
		if filter.Status, err = parseStatus(execLsStatus); err != nil {
			return err
		}
	}

	executions, err := e.store.ListPluginExecutions(ctx, filter)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(executions)
	}
	if len(executions) == 0 {
		pterm.Info.Println("No plugin executions")
		return nil
	}

	plugins := make(map[int64]string)
	projects := make(map[int64]string)
	rows := pterm.TableData{{"ID", "Plugin", "Project", "Type", "Status", "Submitted"}}
	for _, pe := range executions {
		if _, ok := plugins[pe.PluginID]; !ok {
			plugins[pe.PluginID] = fmt.Sprint(pe.PluginID)
			if p, err := e.store.GetPlugin(ctx, pe.PluginID); err == nil {
				plugins[pe.PluginID] = p.String()
			}
		}
		if _, ok := projects[pe.ProjectID]; !ok {
			projects[pe.ProjectID] = fmt.Sprint(pe.ProjectID)
			if p, err := e.store.GetProject(ctx, pe.ProjectID); err == nil {
				projects[pe.ProjectID] = p.Name
			}
		}
		rows = append(rows, []string{
			fmt.Sprint(pe.ID), plugins[pe.PluginID], projects[pe.ProjectID],
			string(pe.ExecutionType), sym.Status(pe.Status) + " " + string(pe.Status),
			pe.SubmittedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
