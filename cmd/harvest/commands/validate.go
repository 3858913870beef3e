package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/sym"
	"github.com/teranos/harvest/validation"
)

// ValidateCmd represents the validate command
var ValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: sym.Validate + " Check collected data against the repository",
	Long: sym.Validate + ` validate — Check collected data against the repository

Every upstream commit of the project's repository is compared with what the
collection plugins stored for it: file actions are recomputed from the
history, and the code entity states of the coast and meco subsystems are
matched with the source files of the commit. One verdict per commit is kept.

Examples:
  harvest validate run commons-io
  harvest validate run commons-io --revision a1b2c3 --format yaml
  harvest validate report commons-io --output commons-io.yaml
  harvest validate coast-fix commons-io`,
}

var validateRunCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Validate the commits of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateRun,
}

var validateReportCmd = &cobra.Command{
	Use:   "report <project>",
	Short: "Summarize the stored verdicts of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateReport,
}

var validateCoastFixCmd = &cobra.Command{
	Use:   "coast-fix <project>",
	Short: "Accept coast failures explained by logged parse errors",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateCoastFix,
}

var validateClearCmd = &cobra.Command{
	Use:   "clear-ces <project>",
	Short: "Empty the code entity state lists of failed commits",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateClear,
}

var (
	validateRevisions []string
	validateKeep      bool
	validateFormat    string
	validateOutput    string
)

func init() {
	validateRunCmd.Flags().StringSliceVarP(&validateRevisions, "revision", "r", nil, "Validate only these commits")
	validateRunCmd.Flags().BoolVar(&validateKeep, "keep", false, "Keep the checkout after the run")
	for _, c := range []*cobra.Command{validateRunCmd, validateReportCmd} {
		c.Flags().StringVar(&validateFormat, "format", "table", "Output format: table or yaml")
		c.Flags().StringVarP(&validateOutput, "output", "o", "", "Write the YAML report to this file")
	}

	ValidateCmd.AddCommand(validateRunCmd)
	ValidateCmd.AddCommand(validateReportCmd)
	ValidateCmd.AddCommand(validateCoastFixCmd)
	ValidateCmd.AddCommand(validateClearCmd)
}

// validationEngine wires the engine to the collected-data store
func validationEngine(cmd *cobra.Command, e *env) (*validation.Engine, error) {
	mongo, err := e.collected(cmd.Context())
	if err != nil {
		return nil, err
	}
	return validation.New(e.store, mongo, e.cfg.Validation, e.log), nil
}

func runValidateRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	project, err := e.project(ctx, args[0])
	if err != nil {
		return err
	}
	engine, err := validationEngine(cmd, e)
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Validating %s...", project.Name))
	report, err := engine.Run(ctx, project, validation.Options{Revisions: validateRevisions, KeepCheckout: validateKeep})
	if err != nil {
		spinner.Fail("Validation aborted")
		return err
	}
	spinner.Success(fmt.Sprintf("%d commit(s) checked, %d verdict(s) changed", report.Commits, report.Written))
	return emitReport(e, report)
}

func runValidateReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	project, err := e.project(ctx, args[0])
	if err != nil {
		return err
	}
	validations, err := e.store.ListCommitValidations(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(validations) == 0 {
		return errors.WithHintf(errors.NewNotFoundError("no verdicts stored for project %s", project.Name),
			"run: harvest validate run %s", project.Name)
	}
	return emitReport(e, validation.Summarize(project, validations))
}

// emitReport prints or writes a report per --format and --output. With
// validation.report_path set and no --output, YAML goes to
// <report_path>/<project>.yaml.
func emitReport(e *env, report *validation.Report) error {
	output := validateOutput
	if output == "" && e.cfg.Validation.ReportPath != "" {
		output = filepath.Join(e.cfg.Validation.ReportPath, report.Project+".yaml")
	}
	if output != "" {
		if err := writeReport(output, report); err != nil {
			return err
		}
		pterm.Success.Printf("Report written to %s\n", output)
	}

	switch strings.ToLower(validateFormat) {
	case "yaml":
		return report.WriteYAML(os.Stdout)
	case "table", "":
		return renderReport(report)
	default:
		return errors.NewInvalidRequestError("unknown format %q, use table or yaml", validateFormat)
	}
}

func writeReport(path string, report *validation.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create report directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create report %s", path)
	}
	if err := report.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func renderReport(r *validation.Report) error {
	pterm.DefaultSection.Printf("%s %s", sym.Validate, r.Project)
	rows := pterm.TableData{
		{"Commits", "Valid", "Invalid", "Coast failed", "Meco failed"},
		{fmt.Sprint(r.Commits), fmt.Sprint(r.Valid), fmt.Sprint(r.Invalid), fmt.Sprint(r.CoastFailed), fmt.Sprint(r.MecoFailed)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	listRevisions(os.Stdout, "Not collected", r.MissingCommits)
	listRevisions(os.Stdout, "Not in the repository", r.UnmatchedCommits)
	listRevisions(os.Stdout, "Skipped", r.Skipped)

	if len(r.Findings) == 0 {
		return nil
	}
	findings := pterm.TableData{{"Revision", "Valid", "Missing", "Coast", "Meco", "Error"}}
	for _, f := range r.Findings {
		findings = append(findings, []string{
			f.Revision, yesNo(f.Valid), yesNo(f.Missing), yesNo(f.CoastValid), yesNo(f.MecoValid), f.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(findings).Render()
}

func listRevisions(w io.Writer, title string, revs []string) {
	if len(revs) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(revs))
	for _, rev := range revs {
		fmt.Fprintln(w, "  "+rev)
	}
}

func runValidateCoastFix(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	project, err := e.project(ctx, args[0])
	if err != nil {
		return err
	}
	engine, err := validationEngine(cmd, e)
	if err != nil {
		return err
	}
	be, err := e.backend()
	if err != nil {
		return err
	}
	fix, err := engine.CorrectParseErrors(ctx, project, be)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%d coast failure(s) checked, %d annotated, %d corrected\n", fix.Checked, fix.Annotated, fix.Corrected)
	return nil
}

func runValidateClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	project, err := e.project(ctx, args[0])
	if err != nil {
		return err
	}
	engine, err := validationEngine(cmd, e)
	if err != nil {
		return err
	}
	out, err := engine.ClearCodeEntityStateLists(ctx, project)
	if err != nil {
		return err
	}
	if len(out.Revisions) == 0 {
		pterm.Info.Printf("No failed commits in %s\n", project.Name)
		return nil
	}
	pterm.Success.Printf("%s: %d commit list(s) cleared, %d state(s) moved, %d child commit(s) examined\n",
		out.Repository, out.Result.ClearedCommits, out.Result.MovedStates, out.Result.ChildrenExamined)
	return nil
}
