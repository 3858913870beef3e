package collected

import (
	"context"
	"reflect"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/teranos/harvest/errors"
)

// Memory is an in-process Store holding documents as bson.M.
// Typed reads go through the same bson codec as MongoStore.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]bson.M
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]bson.M)}
}

// Insert stores doc in collection, assigning an _id when it has none
func (m *Memory) Insert(collection string, doc any) (primitive.ObjectID, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(err, "failed to encode %s document", collection)
	}
	var stored bson.M
	if err := bson.Unmarshal(data, &stored); err != nil {
		return primitive.NilObjectID, errors.Wrapf(err, "failed to decode %s document", collection)
	}

	id, ok := stored["_id"].(primitive.ObjectID)
	if !ok || id.IsZero() {
		id = primitive.NewObjectID()
		stored["_id"] = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[collection] = append(m.docs[collection], stored)
	return id, nil
}

// Count returns the number of documents in collection
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

func decode[T any](doc bson.M) (*T, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out T
	if err := bson.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func memFind[T any](m *Memory, collection string, keep func(*T) bool) ([]*T, error) {
	m.mu.RLock()
	docs := slices.Clone(m.docs[collection])
	m.mu.RUnlock()

	var out []*T
	for _, d := range docs {
		v, err := decode[T](d)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s document", collection)
		}
		if keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func memFindOne[T any](m *Memory, collection, what string, keep func(*T) bool) (*T, error) {
	found, err := memFind(m, collection, keep)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "%s not found", what)
	}
	return found[0], nil
}

// matches mirrors {field: value}: equality, or membership when the field holds an array
func matches(doc bson.M, field string, value any) bool {
	v, ok := doc[field]
	if !ok {
		return false
	}
	if arr, ok := v.(bson.A); ok {
		for _, e := range arr {
			if reflect.DeepEqual(e, value) {
				return true
			}
		}
		return false
	}
	return reflect.DeepEqual(v, value)
}

func (m *Memory) ProjectByName(_ context.Context, name string) (*Project, error) {
	return memFindOne(m, CollectionProject, "project "+name, func(p *Project) bool { return p.Name == name })
}

func (m *Memory) InsertProject(_ context.Context, name string) (primitive.ObjectID, error) {
	return m.Insert(CollectionProject, Project{Name: name})
}

func (m *Memory) VCSSystems(_ context.Context, projectID primitive.ObjectID) ([]*VCSSystem, error) {
	return memFind(m, CollectionVCSSystem, func(v *VCSSystem) bool { return v.ProjectID == projectID })
}

func (m *Memory) VCSSystemByURL(_ context.Context, url string) (*VCSSystem, error) {
	return memFindOne(m, CollectionVCSSystem, "vcs system "+url, func(v *VCSSystem) bool { return v.URL == url })
}

func (m *Memory) Commits(_ context.Context, vcsSystemID primitive.ObjectID) ([]*Commit, error) {
	return memFind(m, CollectionCommit, func(c *Commit) bool { return c.VCSSystemID == vcsSystemID })
}

func (m *Memory) Commit(_ context.Context, vcsSystemID primitive.ObjectID, revision string) (*Commit, error) {
	return memFindOne(m, CollectionCommit, "commit "+revision, func(c *Commit) bool {
		return c.VCSSystemID == vcsSystemID && c.RevisionHash == revision
	})
}

func (m *Memory) FileActions(_ context.Context, commitID primitive.ObjectID) ([]*FileAction, error) {
	actions, err := memFind(m, CollectionFileAction, func(a *FileAction) bool { return a.CommitID == commitID })
	if err != nil || len(actions) == 0 {
		return actions, err
	}
	files, err := memFind(m, CollectionFile, func(*File) bool { return true })
	if err != nil {
		return nil, err
	}
	joinPaths(actions, files)
	return actions, nil
}

func (m *Memory) CodeEntityStates(_ context.Context, commitID primitive.ObjectID) ([]*CodeEntityState, error) {
	return memFind(m, CollectionCodeEntityState, func(s *CodeEntityState) bool { return s.CommitID == commitID })
}

func (m *Memory) ClearCodeEntityStateLists(ctx context.Context, vcsSystemID primitive.ObjectID, revisions []string) (ClearResult, error) {
	var result ClearResult
	listed := func(rev string) bool { return slices.Contains(revisions, rev) }

	commits, err := m.Commits(ctx, vcsSystemID)
	if err != nil {
		return result, err
	}
	var clearedIDs []primitive.ObjectID
	var children []*Commit
	for _, c := range commits {
		if listed(c.RevisionHash) {
			clearedIDs = append(clearedIDs, c.ID)
			continue
		}
		if slices.ContainsFunc(c.Parents, listed) {
			children = append(children, c)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, child := range children {
		for _, d := range m.docs[CollectionCodeEntityState] {
			id, _ := d["_id"].(primitive.ObjectID)
			commitID, _ := d["commit_id"].(primitive.ObjectID)
			if slices.Contains(child.CodeEntityStates, id) && slices.Contains(clearedIDs, commitID) {
				d["commit_id"] = child.ID
				result.MovedStates++
			}
		}
		result.ChildrenExamined++
	}
	for _, d := range m.docs[CollectionCommit] {
		id, _ := d["_id"].(primitive.ObjectID)
		if slices.Contains(clearedIDs, id) {
			d["code_entity_states"] = bson.A{}
			result.ClearedCommits++
		}
	}
	return result, nil
}

func (m *Memory) PluginSchemas(_ context.Context) ([]PluginSchema, error) {
	docs, err := memFind(m, CollectionPluginSchema, func(*PluginSchema) bool { return true })
	if err != nil {
		return nil, err
	}
	out := make([]PluginSchema, len(docs))
	for i, d := range docs {
		out[i] = *d
	}
	return out, nil
}

func (m *Memory) AddPluginSchema(_ context.Context, schema PluginSchema) error {
	_, err := m.Insert(CollectionPluginSchema, schema)
	return err
}

func (m *Memory) DeletePluginSchema(ctx context.Context, plugin string) error {
	_, err := m.DeleteMany(ctx, CollectionPluginSchema, "plugin", plugin)
	return err
}

func (m *Memory) DistinctIDs(_ context.Context, collection, field string, value any) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []any
	for _, d := range m.docs[collection] {
		if !matches(d, field, value) {
			continue
		}
		id := d["_id"]
		if !slices.ContainsFunc(ids, func(x any) bool { return reflect.DeepEqual(x, id) }) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) DeleteMany(_ context.Context, collection, field string, value any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.docs[collection][:0]
	var deleted int64
	for _, d := range m.docs[collection] {
		if matches(d, field, value) {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	m.docs[collection] = kept
	return deleted, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*MongoStore)(nil)
)
