package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/display"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/schemagraph"
	"github.com/teranos/harvest/sym"
)

// ProjectCmd represents the project command
var ProjectCmd = &cobra.Command{
	Use:   "project",
	Short: sym.Project + " Manage projects",
	Long: sym.Project + ` project — Manage projects

A project names a repository under collection. It exists in the job store
and, once plugins ran, in the collected-data store together with every
document the plugins stored for it.

Examples:
  harvest project add commons-io
  harvest project tree
  harvest project delete commons-io            # counts only
  harvest project delete commons-io --execute`,
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List projects",
	RunE:  runProjectLs,
}

var projectTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show which collections hang below a project",
	RunE:  runProjectTree,
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a project and all of its collected data",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectDelete,
}

var (
	projectMongoID string
	projectExecute bool
)

func init() {
	projectAddCmd.Flags().StringVar(&projectMongoID, "mongo-id", "", "Existing project id in the collected-data store")
	projectDeleteCmd.Flags().BoolVar(&projectExecute, "execute", false, "Delete instead of counting")

	ProjectCmd.AddCommand(projectAddCmd)
	ProjectCmd.AddCommand(projectLsCmd)
	ProjectCmd.AddCommand(projectTreeCmd)
	ProjectCmd.AddCommand(projectDeleteCmd)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	if existing, err := e.store.GetProjectByName(ctx, args[0]); err == nil {
		return errors.NewConflictError("project %s already exists as id %d", existing.Name, existing.ID)
	} else if !errors.IsNotFoundError(err) {
		return err
	}

	project := &jobstore.Project{Name: args[0], MongoID: projectMongoID}
	if project.MongoID == "" {
		mongo, err := e.collected(ctx)
		if err != nil {
			return errors.WithHint(err, "pass --mongo-id to register without the collected-data store")
		}
		if existing, err := mongo.ProjectByName(ctx, project.Name); err == nil {
			project.MongoID = existing.ID.Hex()
		} else if errors.IsNotFoundError(err) {
			id, err := mongo.InsertProject(ctx, project.Name)
			if err != nil {
				return err
			}
			project.MongoID = id.Hex()
		} else {
			return err
		}
	}

	if err := e.store.CreateProject(ctx, project); err != nil {
		return err
	}
	pterm.Success.Printf("Project %s registered as id %d (collected id %s)\n", project.Name, project.ID, project.MongoID)
	return nil
}

func runProjectLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(projects)
	}
	if len(projects) == 0 {
		pterm.Info.Println("No projects registered")
		return nil
	}
	rows := pterm.TableData{{"ID", "Name", "Collected ID", "Created"}}
	for _, p := range projects {
		rows = append(rows, []string{fmt.Sprint(p.ID), p.Name, p.MongoID, p.CreatedAt.Local().Format(time.DateTime)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runProjectTree(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	mongo, err := e.collected(ctx)
	if err != nil {
		return err
	}
	tree, err := schemagraph.ProjectTree(ctx, mongo)
	if err != nil {
		return err
	}
	return renderTree(tree)
}

func renderTree(tree *schemagraph.Reference) error {
	var list pterm.LeveledList
	for _, l := range schemagraph.Lines(tree) {
		list = append(list, pterm.LeveledListItem{Level: l.Depth, Text: l.Text})
	}
	return pterm.DefaultTree.WithRoot(pterm.NewTreeFromLeveledList(list)).Render()
}

func runProjectDelete(cmd *cobra.Command, args []string) error {
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
	mongo, err := e.collected(ctx)
	if err != nil {
		return err
	}

	if !projectExecute {
		tree, total, err := schemagraph.CountProject(ctx, mongo, project.Name)
		if err != nil {
			return err
		}
		if err := renderTree(tree); err != nil {
			return err
		}
		pterm.Info.Printf("%d document(s) would be deleted; rerun with --execute\n", total)
		return nil
	}

	_, deleted, err := schemagraph.DeleteProject(ctx, mongo, project.Name)
	if err != nil && !errors.IsNotFoundError(err) {
		return errors.Wrapf(err, "deleted %d document(s) before failing", deleted)
	}
	if err := e.store.DeleteProject(ctx, project.ID); err != nil {
		return err
	}
	pterm.Success.Printf("Project %s deleted with %d collected document(s)\n", project.Name, deleted)
	return nil
}
