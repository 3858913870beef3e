package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and check harvest configuration",
	Long: sym.AM + ` am — Show and check harvest configuration

Configuration sources (in order of precedence):
1. Environment variables (HARVEST_* prefix)
2. Project config (am.toml or config.toml, searched upward from the working directory)
3. User config (~/.harvest/am.toml)
4. System config (/etc/harvest/config.toml)
5. Default values

Examples:
  harvest am show                 # Show current configuration, secrets redacted
  harvest am show --format yaml   # Show configuration as YAML
  harvest am validate             # Check the configuration
  harvest am where                # List the files consulted
  harvest am get queue.workers    # Print one setting
  harvest am init --project       # Write the effective configuration to ./am.toml`,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting in dot notation",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to a config file",
	Long: `Write the effective configuration, defaults included, to the user config
(~/.harvest/am.toml) or with --project to ./am.toml. An existing file is kept
as .back1 (up to three rotated backups).`,
	RunE: runAmInit,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var (
	configFormat string
	initProject  bool
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amInitCmd)

	amInitCmd.Flags().BoolVar(&initProject, "project", false, "Write ./am.toml instead of the user config")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	cfg = cfg.Redacted()

	var data []byte
	switch configFormat {
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		data, err = cfg.TOML()
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to marshal config to %s", configFormat)
	}

	fmt.Printf("# harvest configuration\n%s\n", data)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	rows := pterm.TableData{{"Precedence", "Path", "Status"}}
	paths := am.ConfigPaths()
	for i, p := range paths {
		status := "missing"
		if _, err := os.Stat(p); err == nil {
			status = "loaded"
		}
		rows = append(rows, []string{fmt.Sprint(i + 1), p, status})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	pterm.Info.Println("Later files override earlier ones; HARVEST_* environment variables override all files")
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if !am.GetViper().IsSet(args[0]) {
		return errors.WithHint(errors.NewNotFoundError("no setting %s", args[0]), "see: harvest am show")
	}
	if strings.HasSuffix(args[0], "password") {
		fmt.Println("********")
		return nil
	}
	fmt.Println(am.GetString(args[0]))
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.UserConfigPath()
	if initProject {
		path = "am.toml"
	}
	if path == "" {
		return errors.New("cannot determine the home directory; use --project")
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return errors.WithHint(errors.NewConflictError("%s already exists", path), "pass --force to overwrite it, the old file is kept as .back1")
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.WriteFile(path); err != nil {
		return err
	}
	pterm.Success.Printf("Configuration written to %s\n", path)
	return nil
}
