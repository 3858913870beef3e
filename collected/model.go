// Package collected reads and prunes the collected-data store, the document
// database the plugins write their mining results into.
package collected

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collection names
const (
	CollectionProject         = "project"
	CollectionVCSSystem       = "vcs_system"
	CollectionCommit          = "commit"
	CollectionFileAction      = "file_action"
	CollectionFile            = "file"
	CollectionCodeEntityState = "code_entity_state"
	CollectionPluginSchema    = "plugin_schema"
)

type Project struct {
	ID   primitive.ObjectID `bson:"_id,omitempty"`
	Name string             `bson:"name"`
}

// VCSSystem is one repository of a project
type VCSSystem struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	ProjectID   primitive.ObjectID `bson:"project_id"`
	URL         string             `bson:"url"`
	LastUpdated time.Time          `bson:"last_updated"` // last synchronization; commits after it are not collected yet
}

type Commit struct {
	ID               primitive.ObjectID   `bson:"_id,omitempty"`
	VCSSystemID      primitive.ObjectID   `bson:"vcs_system_id"`
	RevisionHash     string               `bson:"revision_hash"`
	CommitterDate    time.Time            `bson:"committer_date"`
	Parents          []string             `bson:"parents,omitempty"`
	CodeEntityStates []primitive.ObjectID `bson:"code_entity_states,omitempty"`
}

// FileAction is a stored change of one file in one commit
type FileAction struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	CommitID     primitive.ObjectID `bson:"commit_id"`
	FileID       primitive.ObjectID `bson:"file_id"`
	Mode         string             `bson:"mode"`
	SizeAtCommit int64              `bson:"size_at_commit"`
	LinesAdded   int64              `bson:"lines_added"`
	LinesDeleted int64              `bson:"lines_deleted"`
	IsBinary     bool               `bson:"is_binary"`

	Path string `bson:"-"` // joined from the file collection
}

type File struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	VCSSystemID primitive.ObjectID `bson:"vcs_system_id"`
	Path        string             `bson:"path"`
}

// CodeEntityState is a per-commit metric record of a file, class or method
type CodeEntityState struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	CommitID primitive.ObjectID `bson:"commit_id"`
	FileID   primitive.ObjectID `bson:"file_id,omitempty"`
	LongName string             `bson:"long_name"`
	Metrics  map[string]float64 `bson:"metrics"`
}

// NodeCount is the metric the AST analysis writes
func (s *CodeEntityState) NodeCount() float64 {
	return s.Metrics["node_count"]
}

// HasForeignMetric reports whether s carries a metric other than node_count
func (s *CodeEntityState) HasForeignMetric() bool {
	for k := range s.Metrics {
		if k != "node_count" {
			return true
		}
	}
	return false
}

// PluginSchema documents the collections one plugin version writes
type PluginSchema struct {
	Plugin      string             `bson:"plugin" json:"plugin"` // name_version
	Collections []CollectionSchema `bson:"collections" json:"collections"`
}

// NameVersion splits Plugin at its last underscore
func (s PluginSchema) NameVersion() (string, string) {
	i := strings.LastIndex(s.Plugin, "_")
	if i < 0 {
		return s.Plugin, ""
	}
	return s.Plugin[:i], s.Plugin[i+1:]
}

type CollectionSchema struct {
	CollectionName string        `bson:"collection_name" json:"collection_name"`
	Fields         []FieldSchema `bson:"fields" json:"fields"`
	Description    string        `bson:"desc,omitempty" json:"desc,omitempty"`
}

// FieldSchema is one documented field; ReferenceTo names the collection it points into
type FieldSchema struct {
	FieldName   string        `bson:"field_name" json:"field_name"`
	Type        string        `bson:"type,omitempty" json:"type,omitempty"`
	LogicalType string        `bson:"logical_type,omitempty" json:"logical_type,omitempty"`
	ReferenceTo string        `bson:"reference_to,omitempty" json:"reference_to,omitempty"`
	Description string        `bson:"desc,omitempty" json:"desc,omitempty"`
	Fields      []FieldSchema `bson:"fields,omitempty" json:"fields,omitempty"`
}

// ClearResult reports what ClearCodeEntityStateLists changed
type ClearResult struct {
	ClearedCommits   int64 // commits whose list was emptied
	MovedStates      int64 // code entity states re-pointed to a child commit
	ChildrenExamined int64
}
