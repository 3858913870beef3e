package queue

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/jobstore"
)

func testConfig(t *testing.T) *am.Config {
	root := t.TempDir()
	return &am.Config{
		Queue: am.QueueConfig{
			RootPath:   filepath.Join(root, "projects"),
			PluginPath: filepath.Join(root, "plugins"),
			OutputPath: filepath.Join(root, "output"),
			Workers:    1,
		},
		Mongo: am.MongoConfig{Host: "localhost", Port: 27017, Database: "smartshark"},
	}
}

func shells(items []*WorkItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Envelope.Shell
	}
	return out
}

func TestExecutePlugins_EnqueuesCloneOutputAndJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig(t)
	b := New(cfg, f.store, zaptest.NewLogger(t).Sugar())

	first := f.job(t, "a1")
	second := f.job(t, "b2", first)

	batch := backend.ExecutionBatch{
		Execution: f.pe,
		Plugin:    f.plugin,
		Arguments: []jobstore.ArgumentValue{{Position: 1, Value: "${path}"}, {Position: 2, Value: "${revision}"}},
		Jobs:      []*jobstore.Job{first, second},
	}
	require.NoError(t, b.ExecutePlugins(ctx, f.project, []backend.ExecutionBatch{batch}))

	items, err := f.queue.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, items, 5)

	checkout := filepath.Join(cfg.Queue.RootPath, "ant")
	execute := filepath.Join(cfg.Queue.PluginPath, "mecoshark_0.2.0", "execute.sh")
	assert.Equal(t, []string{
		"rm -rf " + checkout,
		"git clone https://example.org/ant.git " + checkout,
		"mkdir -p " + filepath.Join(cfg.Queue.OutputPath, "1"),
		execute + " " + checkout + " a1",
		execute + " " + checkout + " b2",
	}, shells(items))

	assert.True(t, items[0].Barrier)
	assert.True(t, items[2].Barrier)
	assert.Equal(t, ItemQueued, items[3].Status)
	assert.Equal(t, first.ID, items[3].Envelope.JobID)
	assert.Equal(t, f.pe.ID, items[3].Envelope.PluginExecutionID)
	assert.Equal(t, ItemHeld, items[4].Status, "dependent job waits for its prerequisite")
}

func TestExecutePlugins_FailedPrerequisite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := New(testConfig(t), f.store, zaptest.NewLogger(t).Sugar())

	failed := f.job(t, "")
	require.NoError(t, f.store.UpdateJobStatus(ctx, failed.ID, jobstore.StatusExit))
	dependent := f.job(t, "", failed)

	pe := *f.pe
	pe.RepositoryURL = ""
	batch := backend.ExecutionBatch{Execution: &pe, Plugin: f.plugin, Jobs: []*jobstore.Job{dependent}}
	require.NoError(t, b.ExecutePlugins(ctx, f.project, []backend.ExecutionBatch{batch}))

	assert.Equal(t, jobstore.StatusExit, f.jobStatus(t, dependent.ID))
	items, err := f.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "only the output dir is created")
}

func TestGetJobStatusesAlwaysWait(t *testing.T) {
	f := newFixture(t)
	b := New(testConfig(t), f.store, nil)

	statuses, err := b.GetJobStatuses(context.Background(), []*jobstore.Job{{ID: 1}, {ID: 2}})
	require.NoError(t, err)
	assert.Equal(t, []jobstore.Status{jobstore.StatusWait, jobstore.StatusWait}, statuses)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(t)
	b := New(cfg, f.store, nil)
	job := &jobstore.Job{ID: 3, PluginExecutionID: 9}

	lines, err := b.GetOutputLog(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{backend.LogFileNotFound}, lines)

	dir := filepath.Join(cfg.Queue.OutputPath, "9")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3_err.txt"), []byte("Traceback\n  boom\n"), 0644))

	lines, err = b.GetErrorLog(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"Traceback", "boom"}, lines)
}

func TestDeletePluginsAndOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig(t)
	b := New(cfg, f.store, nil)

	require.NoError(t, b.DeletePlugins(ctx, []*jobstore.Plugin{f.plugin}))
	require.NoError(t, b.DeleteOutput(ctx, f.pe))

	items, err := f.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rm -rf " + filepath.Join(cfg.Queue.PluginPath, "mecoshark_0.2.0"),
		"rm -rf " + filepath.Join(cfg.Queue.OutputPath, "1"),
	}, shells(items))
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestInstallPlugins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig(t)
	b := New(cfg, f.store, zaptest.NewLogger(t).Sugar())

	archive := filepath.Join(t.TempDir(), "vcsshark.tar.gz")
	writeArchive(t, archive, map[string]string{
		"install.sh": "#!/bin/sh\n",
		"execute.sh": "#!/bin/sh\n",
	})

	good := &jobstore.Plugin{Name: "vcsshark", Version: "0.1.0", ArchivePath: archive}
	broken := &jobstore.Plugin{Name: "broken", Version: "1.0.0", ArchivePath: filepath.Join(t.TempDir(), "missing.tar.gz")}

	results := b.InstallPlugins(ctx, []backend.PluginInstall{
		{Plugin: good, Arguments: []jobstore.Argument{{Type: jobstore.ArgumentInstall, Position: 1, InstallValue: "${plugin_path}"}}},
		{Plugin: broken},
	})
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.NotEmpty(t, results[1].Error)

	dir := filepath.Join(cfg.Queue.PluginPath, "vcsshark_0.1.0")
	assert.FileExists(t, filepath.Join(dir, "install.sh"))
	assert.FileExists(t, filepath.Join(dir, "execute.sh"))

	items, err := f.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"chmod +x " + filepath.Join(dir, "install.sh"),
		"chmod +x " + filepath.Join(dir, "execute.sh"),
		filepath.Join(dir, "install.sh") + " " + dir,
	}, shells(items))
}

func TestDecompressorFor(t *testing.T) {
	_, ok := decompressorFor("/a/plugin.tar.gz")
	assert.True(t, ok)
	_, ok = decompressorFor("/a/plugin.zip")
	assert.True(t, ok)
	_, ok = decompressorFor("/a/plugin.rar")
	assert.False(t, ok)
}

func TestDefaultCoresPerJob(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(t)
	b := New(cfg, f.store, nil)
	assert.GreaterOrEqual(t, b.DefaultCoresPerJob(), 1)

	cfg.Queue.CoresPerJob = 3
	b = New(cfg, f.store, nil)
	assert.Equal(t, 3, b.DefaultCoresPerJob())
}

func TestRegister(t *testing.T) {
	reg := backend.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{am.BackendLocalQueue}, reg.List())

	_, err := reg.New(am.BackendLocalQueue, backend.Deps{})
	assert.Error(t, err)
}
