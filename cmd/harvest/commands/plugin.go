package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/display"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/internal/httpclient"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/plugin"
	"github.com/teranos/harvest/sym"
)

// PluginCmd represents the plugin command
var PluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: sym.Plugin + " Register, install, order and delete plugins",
	Long: sym.Plugin + ` plugin — Register, install, order and delete plugins

Plugins are referenced by id or by name_version.

Examples:
  harvest plugin add ./mecoshark/plugin.toml --schema ./mecoshark/schema.json
  harvest plugin add ./vcsshark.toml      # archive = "https://..." is downloaded next to it
  harvest plugin install 3 4 --arg token=abc
  harvest plugin order mecoshark_1.0.0 vcsshark_1.0.0
  harvest plugin delete vcsshark_1.0.0`,
}

var pluginAddCmd = &cobra.Command{
	Use:   "add <manifest>",
	Short: "Register a plugin from its plugin.toml manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginAdd,
}

var pluginLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered plugins",
	RunE:  runPluginLs,
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <plugin>...",
	Short: "Install plugins on the configured backend",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPluginInstall,
}

var pluginDeleteCmd = &cobra.Command{
	Use:   "delete <plugin>",
	Short: "Delete a plugin, rebinding its dependents to substitutes",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginDelete,
}

var pluginOrderCmd = &cobra.Command{
	Use:   "order <plugin>...",
	Short: "Print plugins in execution order",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPluginOrder,
}

const archiveTimeout = 10 * time.Minute

var (
	pluginSchemaPath string
	pluginArgs       []string
)

func init() {
	pluginAddCmd.Flags().StringVar(&pluginSchemaPath, "schema", "", "JSON schema documentation of the collections the plugin writes")
	pluginInstallCmd.Flags().StringArrayVar(&pluginArgs, "arg", nil, "Install argument as name=value (repeatable)")

	PluginCmd.AddCommand(pluginAddCmd)
	PluginCmd.AddCommand(pluginLsCmd)
	PluginCmd.AddCommand(pluginInstallCmd)
	PluginCmd.AddCommand(pluginDeleteCmd)
	PluginCmd.AddCommand(pluginOrderCmd)
}

// pluginManager opens the backend and, when a schema is involved, the collected-data store
func pluginManager(cmd *cobra.Command, e *env, withCollected bool) (*plugin.Manager, error) {
	be, err := e.backend()
	if err != nil {
		return nil, err
	}
	var coll collected.Store
	if withCollected {
		mongo, err := e.collected(cmd.Context())
		if err != nil {
			return nil, err
		}
		coll = mongo
	}
	return plugin.NewManager(e.store, coll, be, e.log), nil
}

func runPluginAdd(cmd *cobra.Command, args []string) error {
	manifest, err := jobstore.LoadManifest(args[0])
	if err != nil {
		return err
	}
	manifestDir := filepath.Dir(args[0])
	if plugin.IsRemoteArchive(manifest.Archive) {
		client := httpclient.New(archiveTimeout, httpclient.Options{})
		spinner, _ := pterm.DefaultSpinner.Start("Downloading " + manifest.Archive)
		if err := plugin.FetchArchive(cmd.Context(), client, manifest, manifestDir); err != nil {
			spinner.Fail("Download failed")
			return err
		}
		spinner.Success("Archive saved to " + manifest.Archive)
	} else if manifest.Archive != "" && !filepath.IsAbs(manifest.Archive) {
		manifest.Archive = filepath.Join(manifestDir, manifest.Archive)
	}

	var schema *collected.PluginSchema
	if pluginSchemaPath != "" {
		data, err := os.ReadFile(pluginSchemaPath)
		if err != nil {
			return errors.Wrapf(err, "failed to read schema %s", pluginSchemaPath)
		}
		schema = &collected.PluginSchema{}
		if err := json.Unmarshal(data, schema); err != nil {
			return errors.Wrapf(err, "failed to decode schema %s", pluginSchemaPath)
		}
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := pluginManager(cmd, e, schema != nil)
	if err != nil {
		return err
	}
	p, err := m.Add(cmd.Context(), manifest, schema)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Registered %s as plugin %d\n", p, p.ID)
	return nil
}

func runPluginLs(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	plugins, err := e.store.ListPlugins(cmd.Context())
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(plugins)
	}
	if len(plugins) == 0 {
		pterm.Info.Println("No plugins registered")
		return nil
	}

	byID := make(map[int64]*jobstore.Plugin, len(plugins))
	for _, p := range plugins {
		byID[p.ID] = p
	}
	rows := pterm.TableData{{"ID", "Plugin", "Type", "Active", "Installed", "Requires"}}
	for _, p := range plugins {
		requires := make([]string, 0, len(p.Requires))
		for _, id := range p.Requires {
			if r, ok := byID[id]; ok {
				requires = append(requires, r.String())
			}
		}
		rows = append(rows, []string{
			fmt.Sprint(p.ID), p.String(), string(p.Type),
			yesNo(p.Active), yesNo(p.Installed), strings.Join(requires, ", "),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runPluginInstall(cmd *cobra.Command, args []string) error {
	values, err := parseAssignments(pluginArgs)
	if err != nil {
		return err
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ids := make([]int64, 0, len(args))
	for _, ref := range args {
		p, err := e.plugin(cmd.Context(), ref)
		if err != nil {
			return err
		}
		ids = append(ids, p.ID)
	}

	m, err := pluginManager(cmd, e, false)
	if err != nil {
		return err
	}
	results, err := m.Install(cmd.Context(), ids, values)
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if res.OK {
			pterm.Success.Printf("Installed %s\n", res.Plugin)
			continue
		}
		failed++
		pterm.Error.Printf("Installing %s failed: %s\n", res.Plugin, res.Error)
	}
	if failed > 0 {
		return errors.Newf("%d of %d plugins failed to install", failed, len(results))
	}
	return nil
}

func runPluginDelete(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.plugin(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	m, err := pluginManager(cmd, e, true)
	if errors.Is(err, errors.ErrServiceUnavailable) {
		pterm.Warning.Println("Collected-data store unreachable, the plugin schema stays in place")
		m, err = pluginManager(cmd, e, false)
	}
	if err != nil {
		return err
	}
	plan, err := m.Delete(cmd.Context(), p.ID)
	if err != nil {
		return err
	}

	for _, rw := range plan.Rewrites {
		pterm.Info.Printf("%s now requires %s\n", rw.Dependent, rw.Substitute)
	}
	pterm.Success.Printf("Deleted %s\n", p)
	return nil
}

func runPluginOrder(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ids := make([]int64, 0, len(args))
	for _, ref := range args {
		p, err := e.plugin(cmd.Context(), ref)
		if err != nil {
			return err
		}
		ids = append(ids, p.ID)
	}

	m, err := pluginManager(cmd, e, false)
	if err != nil {
		return err
	}
	ordered, err := m.Order(cmd.Context(), ids)
	if err != nil {
		return err
	}
	for i, p := range ordered {
		fmt.Printf("%d. %s\n", i+1, p)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
