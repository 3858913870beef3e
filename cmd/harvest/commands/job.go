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
	"github.com/teranos/harvest/sym"
)

// JobCmd represents the job command
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Job + " Inspect and administer jobs",
	Long: sym.Job + ` job — Inspect and administer jobs

Jobs are the units a plugin execution is split into: one per revision for
revision plugins, a single one otherwise.

Examples:
  harvest job ls 12 --status EXIT
  harvest job log 431 --err
  harvest job set-state --plugin mecoshark_1.0.0 --project commons-io --from EXIT --to WAIT --execute
  harvest job filter-logs --plugin mecoshark_1.0.0 --project commons-io --needle MemoryError`,
}

var jobLsCmd = &cobra.Command{
	Use:   "ls <execution>",
	Short: "List the jobs of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLs,
}

var jobSetStateCmd = &cobra.Command{
	Use:   "set-state",
	Short: "Move the jobs of the latest execution from one state to another",
	Long: `Move every job of the latest execution of a plugin on a project from one
state to another. Without --execute the change is only reported.`,
	RunE: runJobSetState,
}

var jobRestartCmd = &cobra.Command{
	Use:   "restart <ids>",
	Short: "Copy jobs into a new execution and submit them again",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobRestart,
}

var jobLogCmd = &cobra.Command{
	Use:   "log <id>",
	Short: "Print the output log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLog,
}

var jobFilterLogsCmd = &cobra.Command{
	Use:   "filter-logs",
	Short: "Split the jobs of the latest execution by whether their log contains a string",
	RunE:  runJobFilterLogs,
}

var jobRefreshCmd = &cobra.Command{
	Use:   "refresh [ids]",
	Short: "Update job states from the backend",
	RunE:  runJobRefresh,
}

var jobCommandCmd = &cobra.Command{
	Use:   "command <id>",
	Short: "Print the command the backend runs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCommand,
}

var (
	jobLsStatus string

	setStatePlugin  string
	setStateProject string
	setStateFrom    string
	setStateTo      string
	setStateExecute bool

	jobLogErr bool

	filterPlugin  string
	filterProject string
	filterState   string
	filterType    string
	filterNeedle  string

	refreshExecution string
	refreshForce     bool
)

func init() {
	jobLsCmd.Flags().StringVar(&jobLsStatus, "status", "", "Only jobs in this state")

	jobSetStateCmd.Flags().StringVar(&setStatePlugin, "plugin", "", "Plugin, id or name_version")
	jobSetStateCmd.Flags().StringVar(&setStateProject, "project", "", "Project name")
	jobSetStateCmd.Flags().StringVar(&setStateFrom, "from", "", "Current state")
	jobSetStateCmd.Flags().StringVar(&setStateTo, "to", "", "New state")
	jobSetStateCmd.Flags().BoolVar(&setStateExecute, "execute", false, "Apply the change")
	for _, name := range []string{"plugin", "project", "from", "to"} {
		_ = jobSetStateCmd.MarkFlagRequired(name)
	}

	jobLogCmd.Flags().BoolVar(&jobLogErr, "err", false, "Print the error log instead")

	jobFilterLogsCmd.Flags().StringVar(&filterPlugin, "plugin", "", "Plugin, id or name_version")
	jobFilterLogsCmd.Flags().StringVar(&filterProject, "project", "", "Project name")
	jobFilterLogsCmd.Flags().StringVar(&filterState, "state", string(jobstore.StatusExit), "Only jobs in this state")
	jobFilterLogsCmd.Flags().StringVar(&filterType, "type", backend.LogErr, "Log to search: out or err")
	jobFilterLogsCmd.Flags().StringVar(&filterNeedle, "needle", "", "String to search for")
	for _, name := range []string{"plugin", "project", "needle"} {
		_ = jobFilterLogsCmd.MarkFlagRequired(name)
	}

	jobRefreshCmd.Flags().StringVar(&refreshExecution, "execution", "", "Refresh every job of this execution")
	jobRefreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Take the backend state even for finished jobs")

	JobCmd.AddCommand(jobLsCmd)
	JobCmd.AddCommand(jobSetStateCmd)
	JobCmd.AddCommand(jobRestartCmd)
	JobCmd.AddCommand(jobLogCmd)
	JobCmd.AddCommand(jobFilterLogsCmd)
	JobCmd.AddCommand(jobRefreshCmd)
	JobCmd.AddCommand(jobCommandCmd)
}

func runJobLs(cmd *cobra.Command, args []string) error {
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
	filter := jobstore.JobFilter{PluginExecutionID: pe.ID}
	if jobLsStatus != "" {
		status, err := parseStatus(jobLsStatus)
		if err != nil {
			return err
		}
		filter.Statuses = []jobstore.Status{status}
	}
	jobs, err := e.store.ListJobs(ctx, filter)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Printf("No jobs in execution %d\n", pe.ID)
		return nil
	}

	rows := pterm.TableData{{"ID", "Revision", "Status", "Requires", "Updated"}}
	for _, j := range jobs {
		rev := j.RevisionHash
		if rev == "" {
			rev = "-"
		}
		rows = append(rows, []string{
			fmt.Sprint(j.ID), rev, sym.Status(j.Status) + " " + string(j.Status),
			joinIDs(j.Requires), j.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobSetState(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	from, err := parseStatus(setStateFrom)
	if err != nil {
		return err
	}
	to, err := parseStatus(setStateTo)
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.plugin(ctx, setStatePlugin)
	if err != nil {
		return err
	}
	project, err := e.project(ctx, setStateProject)
	if err != nil {
		return err
	}
	o, err := orchestrate(cmd, e, false)
	if err != nil {
		return err
	}
	change, err := o.reconciler.SetJobStates(ctx, p, project, from, to, setStateExecute)
	if err != nil {
		return err
	}

	if !change.Executed {
		pterm.Info.Printf("%d job(s) of execution %d would move %s -> %s; rerun with --execute\n",
			len(change.Jobs), change.Execution.ID, change.From, change.To)
		return nil
	}
	pterm.Success.Printf("%d job(s) of execution %d moved %s -> %s\n",
		len(change.Jobs), change.Execution.ID, change.From, change.To)
	return nil
}

func runJobRestart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	jobs, err := e.store.ListJobs(ctx, jobstore.JobFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(jobs) != len(ids) {
		return errors.NewNotFoundError("%d of %d jobs exist", len(jobs), len(ids))
	}
	o, err := orchestrate(cmd, e, false)
	if err != nil {
		return err
	}
	subs, err := o.reconciler.RestartJobs(ctx, jobs)
	if err != nil {
		return err
	}
	pending := make([]submission, 0, len(subs))
	for _, s := range subs {
		pending = append(pending, s)
	}
	if err := waitSubmitted(ctx, o.backend, pending...); err != nil {
		return err
	}
	for _, s := range subs {
		for _, planned := range s.Executions {
			pterm.Success.Printf("Execution %d: %d job(s) resubmitted\n", planned.Execution.ID, len(planned.Jobs))
		}
	}
	return nil
}

func runJobLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	be, err := e.backend()
	if err != nil {
		return err
	}
	var lines []string
	if jobLogErr {
		lines, err = be.GetErrorLog(ctx, job)
	} else {
		lines, err = be.GetOutputLog(ctx, job)
	}
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func runJobFilterLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	state, err := parseStatus(filterState)
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.plugin(ctx, filterPlugin)
	if err != nil {
		return err
	}
	project, err := e.project(ctx, filterProject)
	if err != nil {
		return err
	}
	o, err := orchestrate(cmd, e, false)
	if err != nil {
		return err
	}
	match, err := o.reconciler.FilterJobLogs(ctx, p, project, state, strings.ToLower(filterType), filterNeedle)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("Execution %d: %d %s job(s)", match.Execution.ID, match.Jobs, state)
	pterm.Info.Printf("%d contain %q in their %s log\n", len(match.Found), filterNeedle, filterType)
	for _, rev := range match.Found {
		fmt.Println("  " + rev)
	}
	pterm.Info.Printf("%d do not\n", len(match.NotFound))
	for _, rev := range match.NotFound {
		fmt.Println("  " + rev)
	}
	return nil
}

func runJobRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if refreshExecution == "" && len(args) == 0 {
		return errors.WithHint(errors.NewInvalidRequestError("no jobs given"), "pass job ids or --execution <id>")
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	var filter jobstore.JobFilter
	if refreshExecution != "" {
		pe, err := e.execution(ctx, refreshExecution)
		if err != nil {
			return err
		}
		filter.PluginExecutionID = pe.ID
	}
	if len(args) > 0 {
		if filter.IDs, err = parseIDs(args); err != nil {
			return err
		}
	}
	jobs, err := e.store.ListJobs(ctx, filter)
	if err != nil {
		return err
	}
	o, err := orchestrate(cmd, e, false)
	if err != nil {
		return err
	}

	if refreshForce {
		if err := o.reconciler.SetFromBackend(ctx, jobs); err != nil {
			return err
		}
		pterm.Success.Printf("%d job(s) set from %s\n", len(jobs), o.backend.Identifier())
		return nil
	}
	changed, err := o.reconciler.Refresh(ctx, jobs)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%d of %d job(s) changed state\n", changed, len(jobs))
	return nil
}

func runJobCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	pe, err := e.store.GetPluginExecution(ctx, job.PluginExecutionID)
	if err != nil {
		return err
	}
	project, err := e.store.GetProject(ctx, pe.ProjectID)
	if err != nil {
		return err
	}
	p, err := e.store.GetPlugin(ctx, pe.PluginID)
	if err != nil {
		return err
	}
	values, err := e.store.ExecutionArguments(ctx, pe.ID)
	if err != nil {
		return err
	}
	be, err := e.backend()
	if err != nil {
		return err
	}

	batch := backend.ExecutionBatch{Execution: pe, Plugin: p, Arguments: values, Jobs: []*jobstore.Job{job}}
	command, err := be.GetSentCommand(ctx, project, batch, job)
	if err != nil {
		return err
	}
	fmt.Println(command)
	return nil
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
