// Package sym defines the glyphs harvest prints in front of command groups
// and job states. They are stable across CLI output and documentation.
package sym

import "github.com/teranos/harvest/jobstore"

// Command group glyphs
const (
	AM       = "≡" // am: configuration
	DB       = "⊔" // db: job store
	Plugin   = "⌬" // plugin: registration, installation, ordering
	Exec     = "⟶" // exec: plugin executions
	Job      = "✦" // job: single jobs and their logs
	Worker   = "꩜" // worker: local queue peons
	Validate = "⊨" // validate: commit validation
	Project  = "⍟" // project: projects and their collected data
)

// Job state glyphs
const (
	Wait = "…"
	Done = "✓"
	Exit = "✗"
)

// Worker lifecycle glyphs
const (
	WorkerOpen  = "✿" // startup after requeueing orphaned items
	WorkerClose = "❀" // shutdown after draining in-flight items
)

// CommandToSymbol maps command group names to their glyphs
var CommandToSymbol = map[string]string{
	"am":       AM,
	"db":       DB,
	"plugin":   Plugin,
	"exec":     Exec,
	"job":      Job,
	"worker":   Worker,
	"validate": Validate,
	"project":  Project,
}

// SymbolToCommand is the inverse of CommandToSymbol
var SymbolToCommand = func() map[string]string {
	m := make(map[string]string, len(CommandToSymbol))
	for cmd, glyph := range CommandToSymbol {
		m[glyph] = cmd
	}
	return m
}()

// CommandDescriptions are the one-line summaries shown in help output
var CommandDescriptions = map[string]string{
	"am":       "Configuration — show and check settings",
	"db":       "Job store — schema migrations",
	"plugin":   "Plugins — register, install, order, delete",
	"exec":     "Executions — launch, restart, cancel, inspect",
	"job":      "Jobs — list, set states, restart, read logs",
	"worker":   "Worker — run the local queue",
	"validate": "Validation — cross-check collected data against the repository",
	"project":  "Projects — register, inspect and delete collected data",
}

// Status returns the glyph for a job or execution state
func Status(s jobstore.Status) string {
	switch s {
	case jobstore.StatusDone:
		return Done
	case jobstore.StatusExit:
		return Exit
	default:
		return Wait
	}
}
