package backend

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
)

// BlankArgument is rendered in place of an argument without a value.
// Plugin scripts are expected to recognise it.
const BlankArgument = "None"

// ErrUnsafeDelete is returned before a recursive delete of an empty or root path
var ErrUnsafeDelete = errors.New("refusing recursive delete")

// Vars are the values available to ${name} placeholders
type Vars map[string]string

var placeholder = regexp.MustCompile(`\$(?:\$|\{([_a-zA-Z][_a-zA-Z0-9]*)\}|([_a-zA-Z][_a-zA-Z0-9]*))`)

// Substitute replaces $name and ${name} with values from vars.
// Unknown placeholders are left intact and $$ collapses to $.
func Substitute(tmpl string, vars Vars) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if m == "$$" {
			return "$"
		}
		name := strings.Trim(m[1:], "{}")
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// StoreVars exposes the collected-data store connection to plugin commands
func StoreVars(cfg am.MongoConfig) Vars {
	return Vars{
		"db_user":           cfg.User,
		"db_password":       cfg.Password,
		"db_database":       cfg.Database,
		"db_hostname":       cfg.Host,
		"db_port":           strconv.Itoa(cfg.Port),
		"db_authentication": cfg.AuthenticationDB,
	}
}

// PluginDir is where a plugin is unpacked below pluginPath
func PluginDir(pluginPath string, p *jobstore.Plugin) string {
	return path.Join(pluginPath, p.String())
}

// InstallCommand renders install.sh with the install arguments ordered by position
func InstallCommand(pluginPath string, p *jobstore.Plugin, args []jobstore.Argument) string {
	installArgs := make([]jobstore.Argument, 0, len(args))
	for _, a := range args {
		if a.Type == jobstore.ArgumentInstall {
			installArgs = append(installArgs, a)
		}
	}
	sort.SliceStable(installArgs, func(i, j int) bool { return installArgs[i].Position < installArgs[j].Position })

	parts := []string{path.Join(PluginDir(pluginPath, p), "install.sh")}
	for _, a := range installArgs {
		parts = append(parts, argumentOrBlank(a.InstallValue))
	}

	return Substitute(strings.Join(parts, " "), Vars{"plugin_path": PluginDir(pluginPath, p)})
}

// ArgumentString renders execution argument values ordered by position
func ArgumentString(values []jobstore.ArgumentValue) string {
	sorted := append([]jobstore.ArgumentValue(nil), values...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = argumentOrBlank(v.Value)
	}
	return strings.Join(parts, " ")
}

func argumentOrBlank(v string) string {
	if strings.TrimSpace(v) == "" {
		return BlankArgument
	}
	return v
}

// ExecutionCommand renders execute.sh for one plugin execution.
// ${path} and ${revision} stay in place for JobCommand.
func ExecutionCommand(pluginPath string, project *jobstore.Project, batch ExecutionBatch, store am.MongoConfig) string {
	command := path.Join(PluginDir(pluginPath, batch.Plugin), "execute.sh")
	if args := ArgumentString(batch.Arguments); args != "" {
		command += " " + args
	}

	vars := StoreVars(store)
	vars["project_name"] = project.Name
	vars["plugin_path"] = PluginDir(pluginPath, batch.Plugin)
	return Substitute(command, vars)
}

// JobCommand binds an execution command to one job's checkout and revision
func JobCommand(executionCommand, projectPath string, job *jobstore.Job) string {
	return Substitute(executionCommand, Vars{
		"path":     projectPath,
		"revision": job.RevisionHash,
	})
}

// LogFile is <dir>/<plugin_execution_id>/<job_id>_<kind>.txt, kind being out or err
func LogFile(dir string, job *jobstore.Job, kind string) string {
	return path.Join(dir, strconv.FormatInt(job.PluginExecutionID, 10), fmt.Sprintf("%d_%s.txt", job.ID, kind))
}

// DeleteSanityCheck rejects paths whose recursive removal would be catastrophic
func DeleteSanityCheck(p string) error {
	trimmed := strings.TrimSpace(p)
	switch trimmed {
	case "", "/", ".":
		return errors.Wrapf(ErrUnsafeDelete, "path %q", p)
	}
	switch path.Clean(trimmed) {
	case "/", ".":
		return errors.Wrapf(ErrUnsafeDelete, "path %q", p)
	}
	return nil
}

// RemoveCommand renders rm -rf for p after the sanity check
func RemoveCommand(p string) (string, error) {
	if err := DeleteSanityCheck(p); err != nil {
		return "", err
	}
	return "rm -rf " + shellquote.Join(p), nil
}

// CloneCommand renders git clone of url into target
func CloneCommand(url, target string) string {
	return "git clone " + shellquote.Join(url, target)
}

// RepositoryExecution returns the first execution carrying a repository URL
func RepositoryExecution(batches []ExecutionBatch) (*jobstore.PluginExecution, bool) {
	for _, b := range batches {
		if b.Execution != nil && b.Execution.RepositoryURL != "" {
			return b.Execution, true
		}
	}
	return nil, false
}
