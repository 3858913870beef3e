package collected

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
)

type seeded struct {
	mem     *Memory
	project primitive.ObjectID
	vcs     primitive.ObjectID
	commits map[string]primitive.ObjectID
}

// seed stores a project with three commits a → b → c
func seed(t *testing.T) *seeded {
	t.Helper()
	m := NewMemory()
	s := &seeded{mem: m, commits: map[string]primitive.ObjectID{}}

	var err error
	s.project, err = m.InsertProject(context.Background(), "ant")
	require.NoError(t, err)
	s.vcs, err = m.Insert(CollectionVCSSystem, VCSSystem{
		ProjectID: s.project, URL: "https://example.org/ant.git",
		LastUpdated: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	parent := ""
	for i, rev := range []string{"a", "b", "c"} {
		c := Commit{VCSSystemID: s.vcs, RevisionHash: rev, CommitterDate: time.Date(2019, 1, i+1, 0, 0, 0, 0, time.UTC)}
		if parent != "" {
			c.Parents = []string{parent}
		}
		s.commits[rev], err = m.Insert(CollectionCommit, c)
		require.NoError(t, err)
		parent = rev
	}
	return s
}

func TestMemory_Lookups(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	p, err := s.mem.ProjectByName(ctx, "ant")
	require.NoError(t, err)
	assert.Equal(t, s.project, p.ID)

	_, err = s.mem.ProjectByName(ctx, "nope")
	assert.True(t, errors.IsNotFoundError(err))

	systems, err := s.mem.VCSSystems(ctx, s.project)
	require.NoError(t, err)
	require.Len(t, systems, 1)
	assert.Equal(t, 2020, systems[0].LastUpdated.Year())

	vcs, err := s.mem.VCSSystemByURL(ctx, "https://example.org/ant.git")
	require.NoError(t, err)
	assert.Equal(t, s.vcs, vcs.ID)

	commits, err := s.mem.Commits(ctx, s.vcs)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "a", commits[0].RevisionHash)
	assert.Equal(t, []string{"b"}, commits[2].Parents)

	c, err := s.mem.Commit(ctx, s.vcs, "b")
	require.NoError(t, err)
	assert.Equal(t, s.commits["b"], c.ID)
}

func TestMemory_FileActionsJoinPath(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	fileID, err := s.mem.Insert(CollectionFile, File{VCSSystemID: s.vcs, Path: "src/Main.java"})
	require.NoError(t, err)
	_, err = s.mem.Insert(CollectionFileAction, FileAction{
		CommitID: s.commits["a"], FileID: fileID, Mode: "A", SizeAtCommit: 120, LinesAdded: 10,
	})
	require.NoError(t, err)

	actions, err := s.mem.FileActions(ctx, s.commits["a"])
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "src/Main.java", actions[0].Path)
	assert.Equal(t, int64(10), actions[0].LinesAdded)

	none, err := s.mem.FileActions(ctx, s.commits["b"])
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_CodeEntityStateMetrics(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	_, err := s.mem.Insert(CollectionCodeEntityState, CodeEntityState{
		CommitID: s.commits["a"], LongName: "a.py", Metrics: map[string]float64{"node_count": 12, "loc": 40},
	})
	require.NoError(t, err)

	states, err := s.mem.CodeEntityStates(ctx, s.commits["a"])
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, float64(12), states[0].NodeCount())
	assert.True(t, states[0].HasForeignMetric())

	only := CodeEntityState{Metrics: map[string]float64{"node_count": 1}}
	assert.False(t, only.HasForeignMetric())
}

func TestMemory_ClearCodeEntityStateLists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	vcs := primitive.NewObjectID()

	aID := primitive.NewObjectID()
	bID := primitive.NewObjectID()
	shared := primitive.NewObjectID()
	own := primitive.NewObjectID()

	_, err := m.Insert(CollectionCodeEntityState, CodeEntityState{ID: shared, CommitID: aID, LongName: "x.py"})
	require.NoError(t, err)
	_, err = m.Insert(CollectionCodeEntityState, CodeEntityState{ID: own, CommitID: aID, LongName: "y.py"})
	require.NoError(t, err)
	_, err = m.Insert(CollectionCommit, Commit{ID: aID, VCSSystemID: vcs, RevisionHash: "a", CodeEntityStates: []primitive.ObjectID{shared, own}})
	require.NoError(t, err)
	// b inherits x.py unchanged from a
	_, err = m.Insert(CollectionCommit, Commit{ID: bID, VCSSystemID: vcs, RevisionHash: "b", Parents: []string{"a"}, CodeEntityStates: []primitive.ObjectID{shared}})
	require.NoError(t, err)

	res, err := m.ClearCodeEntityStateLists(ctx, vcs, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, ClearResult{ClearedCommits: 1, MovedStates: 1, ChildrenExamined: 1}, res)

	a, err := m.Commit(ctx, vcs, "a")
	require.NoError(t, err)
	assert.Empty(t, a.CodeEntityStates)

	moved, err := m.CodeEntityStates(ctx, bID)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "x.py", moved[0].LongName)
}

func TestMemory_DistinctAndDeleteMany(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	parent := primitive.NewObjectID()

	_, err := m.Insert("issue", map[string]any{"project_id": parent})
	require.NoError(t, err)
	_, err = m.Insert("issue", map[string]any{"project_id": primitive.NewObjectID()})
	require.NoError(t, err)
	tagged, err := m.Insert("event", map[string]any{"issue_ids": []primitive.ObjectID{parent}})
	require.NoError(t, err)

	ids, err := m.DistinctIDs(ctx, "issue", "project_id", parent)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// array fields match on membership
	ids, err = m.DistinctIDs(ctx, "event", "issue_ids", parent)
	require.NoError(t, err)
	assert.Equal(t, []any{tagged}, ids)

	n, err := m.DeleteMany(ctx, "issue", "project_id", parent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, m.Count("issue"))
}

func TestMemory_PluginSchemas(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	schema := PluginSchema{
		Plugin: "vcsshark_0.1.0",
		Collections: []CollectionSchema{{
			CollectionName: "commit",
			Fields:         []FieldSchema{{FieldName: "vcs_system_id", ReferenceTo: "vcs_system"}},
		}},
	}
	require.NoError(t, m.AddPluginSchema(ctx, schema))

	got, err := m.PluginSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema, got[0])

	name, version := got[0].NameVersion()
	assert.Equal(t, "vcsshark", name)
	assert.Equal(t, "0.1.0", version)

	require.NoError(t, m.DeletePluginSchema(ctx, "vcsshark_0.1.0"))
	got, err = m.PluginSchemas(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := &am.Config{Mongo: am.MongoConfig{Host: "127.0.0.1", Port: 1, Database: "smartshark", TimeoutSeconds: 1}}

	_, err := Connect(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}
