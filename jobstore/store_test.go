package jobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/errors"
	harvesttest "github.com/teranos/harvest/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(harvesttest.CreateTestDB(t))
}

func mustPlugin(t *testing.T, s *Store, name, version string, typ PluginType, requires ...*Plugin) *Plugin {
	t.Helper()
	p := &Plugin{Name: name, Version: version, Type: typ, Active: true, Installed: true}
	for _, r := range requires {
		p.Requirements = append(p.Requirements, Requirement{Name: r.Name, Operator: ">=", Version: r.Version})
		p.Requires = append(p.Requires, r.ID)
	}
	require.NoError(t, s.CreatePlugin(context.Background(), p, nil))
	return p
}

func TestPluginRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	vcs := mustPlugin(t, s, "vcsshark", "0.1.0", PluginTypeRepo)
	args := []Argument{
		{Name: "revision", Type: ArgumentExecute, Position: 2},
		{Name: "repository_path", Type: ArgumentExecute, Position: 1, Required: true},
		{Name: "plugin_path", Type: ArgumentInstall, Position: 1, InstallValue: "${plugin_path}"},
	}
	meco := &Plugin{
		Name: "mecoshark", Version: "1.0.0", Type: PluginTypeRev,
		Requirements: []Requirement{{Name: "vcsshark", Operator: ">=", Version: "0.1.0"}},
		Requires:     []int64{vcs.ID},
	}
	require.NoError(t, s.CreatePlugin(ctx, meco, args))
	assert.NotZero(t, meco.ID)
	assert.Equal(t, "mecoshark_1.0.0", meco.String())

	got, err := s.GetPlugin(ctx, meco.ID)
	require.NoError(t, err)
	assert.Equal(t, PluginTypeRev, got.Type)
	assert.Equal(t, []int64{vcs.ID}, got.Requires)
	require.Len(t, got.Requirements, 1)
	assert.Equal(t, "vcsshark >= 0.1.0", got.Requirements[0].String())
	assert.False(t, got.Active)

	execArgs, err := s.ListArguments(ctx, meco.ID, ArgumentExecute)
	require.NoError(t, err)
	require.Len(t, execArgs, 2)
	assert.Equal(t, "repository_path", execArgs[0].Name)
	assert.Equal(t, "revision", execArgs[1].Name)

	byName, err := s.GetPluginByName(ctx, "vcsshark", "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, vcs.ID, byName.ID)

	require.NoError(t, s.SetPluginState(ctx, meco.ID, true, true))
	got, err = s.GetPlugin(ctx, meco.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.True(t, got.Installed)
}

func TestCreatePlugin_Rejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.CreatePlugin(ctx, &Plugin{Name: "x", Version: "1", Type: "weird"}, nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	mustPlugin(t, s, "vcsshark", "0.1.0", PluginTypeRepo)
	err = s.CreatePlugin(ctx, &Plugin{Name: "vcsshark", Version: "0.1.0", Type: PluginTypeRepo}, nil)
	assert.Error(t, err, "name and version are unique")
}

func TestGetPlugin_NotFound(t *testing.T) {
	_, err := newTestStore(t).GetPlugin(context.Background(), 42)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetPluginsPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustPlugin(t, s, "a", "1.0.0", PluginTypeOther)
	b := mustPlugin(t, s, "b", "1.0.0", PluginTypeOther)

	got, err := s.GetPlugins(ctx, []int64{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, "a", got[1].Name)

	_, err = s.GetPlugins(ctx, []int64{a.ID, 999})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestApplyDeletionRewritesEdges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := mustPlugin(t, s, "b", "1.0.0", PluginTypeRepo)
	c := mustPlugin(t, s, "b", "1.1.0", PluginTypeRepo)
	a := mustPlugin(t, s, "a", "1.0.0", PluginTypeRev, b)

	require.NoError(t, s.ApplyDeletion(ctx, b.ID, []EdgeRewrite{{DependentID: a.ID, SubstituteID: c.ID}}))

	got, err := s.GetPlugin(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, got.Requires)

	_, err = s.GetPlugin(ctx, b.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestApplyDeletionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := mustPlugin(t, s, "b", "1.0.0", PluginTypeRepo)
	a := mustPlugin(t, s, "a", "1.0.0", PluginTypeRev, b)

	// substitute does not exist: foreign key violation undoes the delete
	err := s.ApplyDeletion(ctx, b.ID, []EdgeRewrite{{DependentID: a.ID, SubstituteID: 777}})
	require.Error(t, err)

	_, err = s.GetPlugin(ctx, b.ID)
	assert.NoError(t, err)
}

func TestProjects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &Project{Name: "commons-io", MongoID: "5b0d4e2c"}
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.GetProjectByName(ctx, "commons-io")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "5b0d4e2c", got.MongoID)

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetProject(ctx, p.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.DeleteProject(ctx, p.ID)))
}
