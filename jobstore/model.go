// Package jobstore holds the orchestration data model and its SQLite store.
//
// Plugins, projects, plugin executions, jobs and commit validations live in
// the job store. Only job and execution status change after creation; a
// restart clones records instead of mutating them.
package jobstore

import (
	"strings"
	"time"
)

// PluginType classifies how a plugin is scheduled
type PluginType string

const (
	PluginTypeRepo     PluginType = "repo"     // one job per project
	PluginTypeRev      PluginType = "rev"      // one job per selected revision
	PluginTypeOther    PluginType = "other"    // one job per project
	PluginTypeAnalysis PluginType = "analysis" // one job per project
)

// Valid reports whether t is a known plugin type
func (t PluginType) Valid() bool {
	switch t {
	case PluginTypeRepo, PluginTypeRev, PluginTypeOther, PluginTypeAnalysis:
		return true
	}
	return false
}

// Status is the lifecycle state of a job or plugin execution
type Status string

const (
	StatusWait Status = "WAIT"
	StatusDone Status = "DONE"
	StatusExit Status = "EXIT"
)

// Finished reports whether s is terminal
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusExit
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusWait || s == StatusDone || s == StatusExit
}

// ExecutionType selects which revisions a revision-level plugin runs on
type ExecutionType string

const (
	ExecutionAll   ExecutionType = "all"
	ExecutionNew   ExecutionType = "new"
	ExecutionRev   ExecutionType = "rev"
	ExecutionError ExecutionType = "error"
	ExecutionVer   ExecutionType = "ver"
)

// Valid reports whether t is a known execution type
func (t ExecutionType) Valid() bool {
	switch t {
	case ExecutionAll, ExecutionNew, ExecutionRev, ExecutionError, ExecutionVer:
		return true
	}
	return false
}

// ArgumentType distinguishes install-time from execution-time arguments
type ArgumentType string

const (
	ArgumentInstall ArgumentType = "install"
	ArgumentExecute ArgumentType = "execute"
)

// Requirement is a declared dependency, e.g. {vcsshark >= 0.1.0}
type Requirement struct {
	Name     string `toml:"name"`
	Operator string `toml:"operator"`
	Version  string `toml:"version"`
}

func (r Requirement) String() string {
	return r.Name + " " + r.Operator + " " + r.Version
}

// Plugin is a versioned external tool with declared dependencies
type Plugin struct {
	ID           int64
	Name         string
	Version      string
	Author       string
	Description  string
	Type         PluginType
	Active       bool
	Installed    bool
	ArchivePath  string
	Requirements []Requirement
	Requires     []int64 // resolved required plugin ids
	CreatedAt    time.Time
}

// String returns name_version, which is also the on-disk plugin directory name
func (p *Plugin) String() string {
	return p.Name + "_" + p.Version
}

// RequiresID reports whether p has a resolved edge to id
func (p *Plugin) RequiresID(id int64) bool {
	for _, r := range p.Requires {
		if r == id {
			return true
		}
	}
	return false
}

// RequirementFor returns the requirement naming name, if any
func (p *Plugin) RequirementFor(name string) (Requirement, bool) {
	for _, r := range p.Requirements {
		if r.Name == name {
			return r, true
		}
	}
	return Requirement{}, false
}

// Argument is an install or execute parameter of a plugin
type Argument struct {
	ID           int64
	PluginID     int64
	Name         string
	Type         ArgumentType
	Position     int
	Required     bool
	Description  string
	InstallValue string
}

// Project is a repository under collection
type Project struct {
	ID        int64
	Name      string
	MongoID   string // identity in the collected-data store
	CreatedAt time.Time
}

// PluginExecution is one request to run a plugin against a project
type PluginExecution struct {
	ID            int64
	PluginID      int64
	ProjectID     int64
	RepositoryURL string
	ExecutionType ExecutionType
	Revisions     string // comma separated, for ExecutionRev
	Queue         string
	CoresPerJob   int
	Status        Status
	SubmittedAt   time.Time
}

// RevisionList splits Revisions on commas, trimming and dropping empties
func (pe *PluginExecution) RevisionList() []string {
	var out []string
	for _, r := range strings.Split(pe.Revisions, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// ExecutionHistory binds an argument value to a plugin execution
type ExecutionHistory struct {
	ID                int64
	ArgumentID        int64
	PluginExecutionID int64
	Value             string
}

// ArgumentValue is an execution history entry joined with its argument
type ArgumentValue struct {
	Name     string
	Position int
	Value    string
}

// Job is one dispatched unit of work
type Job struct {
	ID                int64
	PluginExecutionID int64
	RevisionHash      string // empty for repository-level plugins
	Status            Status
	Requires          []int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CommitValidation is the persisted verdict for one commit
type CommitValidation struct {
	ID           int64
	ProjectID    int64
	VCSSystem    string // repository URL
	RevisionHash string
	Valid        bool
	Missing      bool
	CoastValid   bool
	CoastMissing bool
	MecoValid    bool
	MecoMissing  bool
	Text         string
	UpdatedAt    time.Time
}

// AnalysisFailed reports whether either analysis subsystem failed on a valid commit
func (cv *CommitValidation) AnalysisFailed() bool {
	return !cv.CoastValid || !cv.MecoValid
}

// SameVerdict reports whether the valid/missing flags of cv and other agree
func (cv *CommitValidation) SameVerdict(other *CommitValidation) bool {
	return cv.Valid == other.Valid && cv.Missing == other.Missing &&
		cv.CoastValid == other.CoastValid && cv.CoastMissing == other.CoastMissing &&
		cv.MecoValid == other.MecoValid && cv.MecoMissing == other.MecoMissing
}

// EdgeRewrite replaces a dependent's edge to a deleted plugin with a substitute
type EdgeRewrite struct {
	DependentID  int64
	SubstituteID int64
}

// FailedValidations returns the records of vs that failed, ingestion
// failures first and then analysis failures, each group in input order
func FailedValidations(vs []*CommitValidation) []*CommitValidation {
	var ingestion, analysis []*CommitValidation
	for _, cv := range vs {
		switch {
		case !cv.Valid:
			ingestion = append(ingestion, cv)
		case cv.AnalysisFailed():
			analysis = append(analysis, cv)
		}
	}
	return append(ingestion, analysis...)
}
