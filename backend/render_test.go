package backend

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
)

func TestDeleteSanityCheck(t *testing.T) {
	tests := []struct {
		path    string
		allowed bool
	}{
		{"", false},
		{"/", false},
		{".", false},
		{"  ", false},
		{"//", false},
		{"./", false},
		{"/tmp/..", false},
		{"a/..", false},
		{"/srv/harvest/plugins/vcsshark_0.1.0", true},
		{"relative/dir", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := DeleteSanityCheck(tt.path)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsafeDelete))
		})
	}
}

func TestRemoveCommand(t *testing.T) {
	cmd, err := RemoveCommand("/srv/projects/my project")
	require.NoError(t, err)
	assert.Equal(t, `rm -rf '/srv/projects/my project'`, cmd)

	_, err = RemoveCommand("/")
	assert.ErrorIs(t, err, ErrUnsafeDelete)
}

func TestSubstitute(t *testing.T) {
	vars := Vars{"path": "/p", "revision": "abc"}
	tests := []struct {
		in, want string
	}{
		{"-i ${path} -r ${revision}", "-i /p -r abc"},
		{"-i $path", "-i /p"},
		{"-u ${db_user}", "-u ${db_user}"},
		{"cost $$5", "cost $5"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Substitute(tt.in, vars))
	}
}

func testBatch() (*jobstore.Project, ExecutionBatch) {
	project := &jobstore.Project{ID: 1, Name: "ant"}
	p := &jobstore.Plugin{ID: 2, Name: "mecoshark", Version: "0.2.0"}
	batch := ExecutionBatch{
		Execution: &jobstore.PluginExecution{ID: 7, PluginID: 2, ProjectID: 1},
		Plugin:    p,
		Arguments: []jobstore.ArgumentValue{
			{Name: "revision", Position: 3, Value: "${revision}"},
			{Name: "db_user", Position: 2, Value: "${db_user}"},
			{Name: "input", Position: 1, Value: "${path}"},
			{Name: "debug", Position: 4, Value: " "},
		},
	}
	return project, batch
}

func TestExecutionAndJobCommand(t *testing.T) {
	project, batch := testBatch()
	mongo := am.MongoConfig{User: "shark", Host: "db", Port: 27017, Database: "smartshark"}

	cmd := ExecutionCommand("/srv/plugins", project, batch, mongo)
	assert.Equal(t, "/srv/plugins/mecoshark_0.2.0/execute.sh ${path} shark ${revision} None", cmd)

	job := &jobstore.Job{ID: 11, PluginExecutionID: 7, RevisionHash: "deadbeef"}
	assert.Equal(t, "/srv/plugins/mecoshark_0.2.0/execute.sh /srv/projects/ant shark deadbeef None",
		JobCommand(cmd, "/srv/projects/ant", job))

	repoJob := &jobstore.Job{ID: 12, PluginExecutionID: 7}
	assert.True(t, strings.HasSuffix(JobCommand(cmd, "/x", repoJob), "/x shark  None"))
}

func TestInstallCommand(t *testing.T) {
	p := &jobstore.Plugin{Name: "vcsshark", Version: "0.1.0"}
	args := []jobstore.Argument{
		{Name: "b", Type: jobstore.ArgumentInstall, Position: 2, InstallValue: ""},
		{Name: "a", Type: jobstore.ArgumentInstall, Position: 1, InstallValue: "${plugin_path}/lib"},
		{Name: "x", Type: jobstore.ArgumentExecute, Position: 0, InstallValue: "ignored"},
	}
	assert.Equal(t,
		"/srv/plugins/vcsshark_0.1.0/install.sh /srv/plugins/vcsshark_0.1.0/lib None",
		InstallCommand("/srv/plugins", p, args))
}

func TestLogFile(t *testing.T) {
	job := &jobstore.Job{ID: 11, PluginExecutionID: 7}
	assert.Equal(t, "/logs/7/11_err.txt", LogFile("/logs", job, LogErr))
}

func TestReadLocalLog(t *testing.T) {
	dir := t.TempDir()

	lines, err := ReadLocalLog(filepath.Join(dir, "missing.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{LogFileNotFound}, lines)

	path := filepath.Join(dir, "1_out.txt")
	require.NoError(t, os.WriteFile(path, []byte("  first \nsecond\t\n"), 0600))
	lines, err = ReadLocalLog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestRepositoryExecution(t *testing.T) {
	batches := []ExecutionBatch{
		{Execution: &jobstore.PluginExecution{ID: 1}},
		{Execution: &jobstore.PluginExecution{ID: 2, RepositoryURL: "https://example.org/r.git"}},
	}
	pe, ok := RepositoryExecution(batches)
	require.True(t, ok)
	assert.Equal(t, int64(2), pe.ID)

	_, ok = RepositoryExecution(batches[:1])
	assert.False(t, ok)
}
