package jobstore

import (
	"github.com/BurntSushi/toml"

	"github.com/teranos/harvest/errors"
)

// Manifest is the plugin.toml shipped next to a plugin archive
//
//	name = "mecoshark"
//	version = "1.2.0"
//	plugin_type = "rev"
//	archive = "mecoshark_1.2.0.tar.gz"
//
//	[[requires]]
//	name = "vcsshark"
//	operator = ">="
//	version = "0.1.0"
//
//	[[arguments]]
//	name = "revision"
//	type = "execute"
//	position = 1
type Manifest struct {
	Name        string             `toml:"name"`
	Version     string             `toml:"version"`
	Author      string             `toml:"author"`
	Description string             `toml:"description"`
	PluginType  string             `toml:"plugin_type"`
	Archive     string             `toml:"archive"`
	Requires    []Requirement      `toml:"requires"`
	Arguments   []ManifestArgument `toml:"arguments"`
}

// ManifestArgument declares one install or execute argument
type ManifestArgument struct {
	Name         string `toml:"name"`
	Type         string `toml:"type"`
	Position     int    `toml:"position"`
	Required     bool   `toml:"required"`
	Description  string `toml:"description"`
	InstallValue string `toml:"install_value"`
}

var validOperators = map[string]bool{">=": true, "<=": true, ">": true, "<": true, "=": true}

// LoadManifest decodes and checks a plugin manifest file
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode plugin manifest %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.WithHint(
			errors.Newf("plugin manifest %s has unknown key %s", path, undecoded[0]),
			"check the key spelling against the manifest format")
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid plugin manifest %s", path)
	}
	return &m, nil
}

// Validate checks required fields and enumerations
func (m *Manifest) Validate() error {
	if m.Name == "" || m.Version == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "name and version are required")
	}
	if !PluginType(m.PluginType).Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown plugin_type %q", m.PluginType)
	}
	for _, r := range m.Requires {
		if r.Name == "" || r.Version == "" {
			return errors.Wrap(errors.ErrInvalidRequest, "requirements need name and version")
		}
		if !validOperators[r.Operator] {
			return errors.Wrapf(errors.ErrInvalidRequest, "unknown operator %q in requirement on %s", r.Operator, r.Name)
		}
	}
	seen := make(map[string]bool)
	for _, a := range m.Arguments {
		if a.Type != string(ArgumentInstall) && a.Type != string(ArgumentExecute) {
			return errors.Wrapf(errors.ErrInvalidRequest, "argument %s has unknown type %q", a.Name, a.Type)
		}
		key := a.Type + "/" + a.Name
		if seen[key] {
			return errors.Wrapf(errors.ErrInvalidRequest, "duplicate %s argument %s", a.Type, a.Name)
		}
		seen[key] = true
	}
	return nil
}

// Plugin converts the manifest into an unsaved, inactive plugin and its arguments
func (m *Manifest) Plugin() (*Plugin, []Argument) {
	p := &Plugin{
		Name:         m.Name,
		Version:      m.Version,
		Author:       m.Author,
		Description:  m.Description,
		Type:         PluginType(m.PluginType),
		ArchivePath:  m.Archive,
		Requirements: append([]Requirement(nil), m.Requires...),
	}
	args := make([]Argument, 0, len(m.Arguments))
	for _, a := range m.Arguments {
		args = append(args, Argument{
			Name:         a.Name,
			Type:         ArgumentType(a.Type),
			Position:     a.Position,
			Required:     a.Required,
			Description:  a.Description,
			InstallValue: a.InstallValue,
		})
	}
	return p, args
}
