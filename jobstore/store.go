package jobstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/teranos/harvest/errors"
)

// Store persists the orchestration data model in SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a job store on a migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components sharing the database
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func notFound(err error, kind string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(errors.ErrNotFound, "%s %v", kind, id)
	}
	return errors.Wrapf(err, "failed to get %s %v", kind, id)
}

// CreatePlugin inserts a plugin with its requirement specs, resolved edges and arguments
func (s *Store) CreatePlugin(ctx context.Context, p *Plugin, args []Argument) error {
	if !p.Type.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown plugin type %q", p.Type)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO plugins (name, version, author, description, plugin_type, active, installed, archive_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Name, p.Version, p.Author, p.Description, p.Type, p.Active, p.Installed, p.ArchivePath)
		if err != nil {
			err = errors.Wrap(err, "failed to create plugin")
			return errors.WithDetail(err, fmt.Sprintf("Plugin: %s", p))
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "failed to read plugin id")
		}

		for _, r := range p.Requirements {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO plugin_requirements (plugin_id, name, operator, version) VALUES (?, ?, ?, ?)`,
				p.ID, r.Name, r.Operator, r.Version); err != nil {
				err = errors.Wrapf(err, "failed to add requirement %s", r)
				return errors.WithDetail(err, fmt.Sprintf("Plugin: %s", p))
			}
		}

		for _, requiredID := range p.Requires {
			if err := insertRequires(ctx, tx, p.ID, requiredID); err != nil {
				return err
			}
		}

		for i := range args {
			args[i].PluginID = p.ID
			res, err := tx.ExecContext(ctx, `
				INSERT INTO arguments (plugin_id, name, type, position, required, description, install_value)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.ID, args[i].Name, args[i].Type, args[i].Position, args[i].Required,
				args[i].Description, args[i].InstallValue)
			if err != nil {
				return errors.Wrapf(err, "failed to add argument %s", args[i].Name)
			}
			if args[i].ID, err = res.LastInsertId(); err != nil {
				return errors.Wrap(err, "failed to read argument id")
			}
		}
		return nil
	})
}

func insertRequires(ctx context.Context, tx *sql.Tx, pluginID, requiredID int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO plugin_requires (plugin_id, required_id) VALUES (?, ?)`,
		pluginID, requiredID); err != nil {
		err = errors.Wrap(err, "failed to add plugin requires edge")
		return errors.WithDetail(err, fmt.Sprintf("Edge: %d -> %d", pluginID, requiredID))
	}
	return nil
}

// GetPlugin loads a plugin with its requirements and resolved edges
func (s *Store) GetPlugin(ctx context.Context, id int64) (*Plugin, error) {
	p, err := scanPlugin(s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "plugin", id)
	}
	if err := s.loadPluginEdges(ctx, []*Plugin{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPluginByName loads the plugin identified by name and version
func (s *Store) GetPluginByName(ctx context.Context, name, version string) (*Plugin, error) {
	p, err := scanPlugin(s.db.QueryRowContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE name = ? AND version = ?`, name, version))
	if err != nil {
		return nil, notFound(err, "plugin", name+"_"+version)
	}
	if err := s.loadPluginEdges(ctx, []*Plugin{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPlugins returns every plugin ordered by name and id
func (s *Store) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	return s.queryPlugins(ctx, `SELECT `+pluginColumns+` FROM plugins ORDER BY name, id`)
}

// GetPlugins loads the given plugins, preserving the order of ids
func (s *Store) GetPlugins(ctx context.Context, ids []int64) ([]*Plugin, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	plugins, err := s.queryPlugins(ctx,
		`SELECT `+pluginColumns+` FROM plugins WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*Plugin, len(plugins))
	for _, p := range plugins {
		byID[p.ID] = p
	}
	out := make([]*Plugin, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, errors.Wrapf(errors.ErrNotFound, "plugin %d", id)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) queryPlugins(ctx context.Context, query string, args ...interface{}) ([]*Plugin, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list plugins")
	}
	var plugins []*Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan plugin")
		}
		plugins = append(plugins, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate plugins")
	}

	if err := s.loadPluginEdges(ctx, plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// loadPluginEdges fills Requirements and Requires for the given plugins
func (s *Store) loadPluginEdges(ctx context.Context, plugins []*Plugin) error {
	if len(plugins) == 0 {
		return nil
	}
	byID := make(map[int64]*Plugin, len(plugins))
	ids := make([]int64, 0, len(plugins))
	for _, p := range plugins {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}
	in := placeholders(len(ids))

	rows, err := s.db.QueryContext(ctx,
		`SELECT plugin_id, name, operator, version FROM plugin_requirements
		 WHERE plugin_id IN (`+in+`) ORDER BY id`, int64Args(ids)...)
	if err != nil {
		return errors.Wrap(err, "failed to load plugin requirements")
	}
	for rows.Next() {
		var pluginID int64
		var r Requirement
		if err := rows.Scan(&pluginID, &r.Name, &r.Operator, &r.Version); err != nil {
			rows.Close()
			return errors.Wrap(err, "failed to scan plugin requirement")
		}
		byID[pluginID].Requirements = append(byID[pluginID].Requirements, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate plugin requirements")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT plugin_id, required_id FROM plugin_requires
		 WHERE plugin_id IN (`+in+`) ORDER BY required_id`, int64Args(ids)...)
	if err != nil {
		return errors.Wrap(err, "failed to load plugin requires edges")
	}
	defer rows.Close()
	for rows.Next() {
		var pluginID, requiredID int64
		if err := rows.Scan(&pluginID, &requiredID); err != nil {
			return errors.Wrap(err, "failed to scan plugin requires edge")
		}
		byID[pluginID].Requires = append(byID[pluginID].Requires, requiredID)
	}
	return rows.Err()
}

// SetPluginState updates the active and installed flags
func (s *Store) SetPluginState(ctx context.Context, id int64, active, installed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET active = ?, installed = ? WHERE id = ?`, active, installed, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update plugin %d", id)
	}
	return expectOneRow(res, "plugin", id)
}

// AddRequires adds a resolved requires edge
func (s *Store) AddRequires(ctx context.Context, pluginID, requiredID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertRequires(ctx, tx, pluginID, requiredID)
	})
}

// ApplyDeletion deletes a plugin and adds each substitute edge in one transaction.
// The foreign key cascade removes the edges pointing at the deleted plugin.
func (s *Store) ApplyDeletion(ctx context.Context, targetID int64, rewrites []EdgeRewrite) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, targetID)
		if err != nil {
			return errors.Wrapf(err, "failed to delete plugin %d", targetID)
		}
		if err := expectOneRow(res, "plugin", targetID); err != nil {
			return err
		}
		for _, rw := range rewrites {
			if err := insertRequires(ctx, tx, rw.DependentID, rw.SubstituteID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListArguments returns a plugin's arguments of one type ordered by position
func (s *Store) ListArguments(ctx context.Context, pluginID int64, typ ArgumentType) ([]Argument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_id, name, type, position, required, description, install_value
		FROM arguments WHERE plugin_id = ? AND type = ? ORDER BY position, id`, pluginID, typ)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list arguments of plugin %d", pluginID)
	}
	defer rows.Close()

	var args []Argument
	for rows.Next() {
		var a Argument
		if err := rows.Scan(&a.ID, &a.PluginID, &a.Name, &a.Type, &a.Position, &a.Required,
			&a.Description, &a.InstallValue); err != nil {
			return nil, errors.Wrap(err, "failed to scan argument")
		}
		args = append(args, a)
	}
	return args, rows.Err()
}

// CreateProject inserts a project
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, mongo_id) VALUES (?, ?)`, p.Name, p.MongoID)
	if err != nil {
		err = errors.Wrap(err, "failed to create project")
		return errors.WithDetail(err, fmt.Sprintf("Project: %s", p.Name))
	}
	p.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read project id")
}

// GetProject loads a project by id
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	return p, nil
}

// GetProjectByName loads a project by name
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
	if err != nil {
		return nil, notFound(err, "project", name)
	}
	return p, nil
}

// ListProjects returns every project ordered by name
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan project")
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and, by cascade, its executions, jobs and validations
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete project %d", id)
	}
	return expectOneRow(res, "project", id)
}

func expectOneRow(res sql.Result, kind string, id interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "%s %v", kind, id)
	}
	return nil
}
