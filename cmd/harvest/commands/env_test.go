package commands

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/backend/backendtest"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1,2", " 3 ", "4,,"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	_, err = parseIDs([]string{"1,x"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestParseAssignments(t *testing.T) {
	values, err := parseAssignments([]string{"token=abc", "url=http://h/?a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "abc", "url": "http://h/?a=b", "empty": ""}, values)

	for _, bad := range []string{"token", "=abc"} {
		_, err := parseAssignments([]string{bad})
		assert.True(t, errors.IsInvalidRequestError(err), bad)
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want jobstore.Status
		ok   bool
	}{
		{"exit", jobstore.StatusExit, true},
		{"WAIT", jobstore.StatusWait, true},
		{"Done", jobstore.StatusDone, true},
		{"RUNNING", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseStatus(tt.in)
			if !tt.ok {
				assert.True(t, errors.IsInvalidRequestError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatError(t *testing.T) {
	err := errors.WithHint(errors.NewNotFoundError("project ant"), "list projects with: harvest project ls")
	out := FormatError(err)
	assert.Contains(t, out, "Error: project ant")
	assert.Contains(t, out, "Hint: list projects with: harvest project ls")

	assert.NotContains(t, FormatError(errors.New("plain")), "Hint:")
}

func names(cmds []*cobra.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Name())
	}
	return out
}

type fakeSubmission struct{ err error }

func (f fakeSubmission) Wait(context.Context) error { return f.err }

func TestWaitSubmitted_CombinesErrors(t *testing.T) {
	ctx := context.Background()
	be := backendtest.New()

	assert.NoError(t, waitSubmitted(ctx, be, fakeSubmission{}, fakeSubmission{}))

	err := waitSubmitted(ctx, be, fakeSubmission{errors.New("first")}, fakeSubmission{}, fakeSubmission{errors.New("second")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
}

func TestCommandTree(t *testing.T) {
	want := map[string][]string{
		"plugin":   {"add", "delete", "install", "ls", "order"},
		"exec":     {"cancel", "launch", "ls", "restart", "status"},
		"job":      {"command", "filter-logs", "log", "ls", "refresh", "restart", "set-state"},
		"worker":   {"start", "status"},
		"validate": {"clear-ces", "coast-fix", "report", "run"},
		"project":  {"add", "delete", "ls", "tree"},
	}
	for _, root := range []struct {
		name string
		subs []string
	}{
		{"plugin", names(PluginCmd.Commands())},
		{"exec", names(ExecCmd.Commands())},
		{"job", names(JobCmd.Commands())},
		{"worker", names(WorkerCmd.Commands())},
		{"validate", names(ValidateCmd.Commands())},
		{"project", names(ProjectCmd.Commands())},
	} {
		assert.Equal(t, want[root.name], root.subs, root.name)
	}
}
