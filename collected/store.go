package collected

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/teranos/harvest/errors"
)

// Store is the collected-data store as the orchestrator sees it
type Store interface {
	ProjectByName(ctx context.Context, name string) (*Project, error)
	InsertProject(ctx context.Context, name string) (primitive.ObjectID, error)

	VCSSystems(ctx context.Context, projectID primitive.ObjectID) ([]*VCSSystem, error)
	VCSSystemByURL(ctx context.Context, url string) (*VCSSystem, error)

	// Commits returns every commit of a VCS system in insertion order
	Commits(ctx context.Context, vcsSystemID primitive.ObjectID) ([]*Commit, error)
	Commit(ctx context.Context, vcsSystemID primitive.ObjectID, revision string) (*Commit, error)
	// FileActions returns the file actions of a commit joined with their file path
	FileActions(ctx context.Context, commitID primitive.ObjectID) ([]*FileAction, error)
	CodeEntityStates(ctx context.Context, commitID primitive.ObjectID) ([]*CodeEntityState, error)

	// ClearCodeEntityStateLists empties the code entity state lists of the
	// given commits, first moving states still referenced by a child commit
	// outside the list onto that child
	ClearCodeEntityStateLists(ctx context.Context, vcsSystemID primitive.ObjectID, revisions []string) (ClearResult, error)

	PluginSchemas(ctx context.Context) ([]PluginSchema, error)
	AddPluginSchema(ctx context.Context, schema PluginSchema) error
	DeletePluginSchema(ctx context.Context, plugin string) error

	// DistinctIDs returns the distinct _id values of documents in collection where field = value
	DistinctIDs(ctx context.Context, collection, field string, value any) ([]any, error)
	// DeleteMany removes documents in collection where field = value
	DeleteMany(ctx context.Context, collection, field string, value any) (int64, error)
}

// ProjectVCSSystems returns the VCS systems of a project, found by its stored
// identity when mongoID is a valid hex id and by name otherwise
func ProjectVCSSystems(ctx context.Context, s Store, name, mongoID string) ([]*VCSSystem, error) {
	id, err := primitive.ObjectIDFromHex(mongoID)
	if err != nil {
		doc, err := s.ProjectByName(ctx, name)
		if err != nil {
			return nil, err
		}
		id = doc.ID
	}
	systems, err := s.VCSSystems(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(systems) == 0 {
		return nil, errors.WithHint(
			errors.NewNotFoundError("project %s has no VCS system", name),
			"run the VCS ingestion plugin on this project first")
	}
	return systems, nil
}
