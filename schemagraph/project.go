package schemagraph

import (
	"context"

	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/errors"
)

// ProjectTree builds the reference tree below the project collection from
// the latest registered schema of every plugin
func ProjectTree(ctx context.Context, store collected.Store) (*Reference, error) {
	docs, err := store.PluginSchemas(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load plugin schemas")
	}
	schemas := LatestSchemas(docs)
	return BuildTree(BuildGraph(schemas, RootCollection), schemas, RootCollection), nil
}

// CountProject fills tree counts for the named project and returns the total
func CountProject(ctx context.Context, store collected.Store, name string) (*Reference, int64, error) {
	project, err := store.ProjectByName(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	tree, err := ProjectTree(ctx, store)
	if err != nil {
		return nil, 0, err
	}
	total, err := Count(ctx, store, tree, project.ID)
	return tree, total, err
}

// DeleteProject removes every document reachable from the named project and
// then the project document
func DeleteProject(ctx context.Context, store collected.Store, name string) (*Reference, int64, error) {
	project, err := store.ProjectByName(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	tree, err := ProjectTree(ctx, store)
	if err != nil {
		return nil, 0, err
	}
	deleted, err := Delete(ctx, store, tree, project.ID)
	if err != nil {
		return tree, deleted, err
	}

	n, err := store.DeleteMany(ctx, RootCollection, "_id", project.ID)
	if err != nil {
		return tree, deleted, errors.Wrapf(err, "failed to delete project %s", name)
	}
	return tree, deleted + n, nil
}
