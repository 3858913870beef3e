package jobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/errors"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
name = "mecoshark"
version = "1.2.0"
author = "ops"
plugin_type = "rev"
archive = "mecoshark_1.2.0.tar.gz"

[[requires]]
name = "vcsshark"
operator = ">="
version = "0.1.0"

[[arguments]]
name = "plugin_path"
type = "install"
position = 1
install_value = "${plugin_path}"

[[arguments]]
name = "revision"
type = "execute"
position = 1
required = true
`)

	m, err := LoadManifest(path)
	require.NoError(t, err)

	p, args := m.Plugin()
	assert.Equal(t, "mecoshark_1.2.0", p.String())
	assert.Equal(t, PluginTypeRev, p.Type)
	assert.False(t, p.Active)
	assert.Equal(t, []Requirement{{Name: "vcsshark", Operator: ">=", Version: "0.1.0"}}, p.Requirements)
	require.Len(t, args, 2)
	assert.Equal(t, ArgumentInstall, args[0].Type)
	assert.True(t, args[1].Required)
}

func TestLoadManifest_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing version", `name = "x"
plugin_type = "repo"`},
		{"bad type", `name = "x"
version = "1"
plugin_type = "service"`},
		{"bad operator", `name = "x"
version = "1"
plugin_type = "repo"
[[requires]]
name = "y"
operator = "~"
version = "1"`},
		{"unknown key", `name = "x"
version = "1"
plugin_type = "repo"
colour = "blue"`},
		{"duplicate argument", `name = "x"
version = "1"
plugin_type = "repo"
[[arguments]]
name = "a"
type = "execute"
[[arguments]]
name = "a"
type = "execute"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadManifest(writeManifest(t, `name = "x"
plugin_type = "repo"`))
	assert.True(t, errors.IsInvalidRequestError(err))
}
