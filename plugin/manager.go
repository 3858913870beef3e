// Package plugin manages the lifecycle of registered plugins: registration
// from a manifest, installation through the configured backend, dependency
// ordering, and deletion with requirement substitution.
package plugin

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/depgraph"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// Manager registers, installs, orders and deletes plugins
type Manager struct {
	store     *jobstore.Store
	collected collected.Store // optional; plugin schemas are kept there
	backend   backend.Backend
	logger    *zap.SugaredLogger
}

// NewManager creates a manager. coll may be nil when no collected-data store
// is reachable; schema bookkeeping is skipped then.
func NewManager(store *jobstore.Store, coll collected.Store, be backend.Backend, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = logger.Logger
	}
	return &Manager{
		store:     store,
		collected: coll,
		backend:   be,
		logger:    log.Named("plugin"),
	}
}

// Add registers the plugin described by manifest. Each requirement is bound
// to the highest active, installed plugin satisfying it. The new plugin
// starts inactive and uninstalled. schema, when given, is stored under the
// plugin's name_version.
func (m *Manager) Add(ctx context.Context, manifest *jobstore.Manifest, schema *collected.PluginSchema) (*jobstore.Plugin, error) {
	p, args := manifest.Plugin()

	if existing, err := m.store.GetPluginByName(ctx, p.Name, p.Version); err == nil {
		return nil, errors.NewConflictError("plugin %s is already registered as id %d", existing, existing.ID)
	} else if !errors.IsNotFoundError(err) {
		return nil, err
	}

	universe, err := m.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	if p.Requires, err = depgraph.Resolve(p, universe); err != nil {
		return nil, errors.WithHint(err, "install a plugin satisfying the requirement first")
	}
	if err := depgraph.Validate(p, universe); err != nil {
		return nil, err
	}

	if err := m.store.CreatePlugin(ctx, p, args); err != nil {
		return nil, err
	}

	if schema != nil && m.collected != nil {
		schema.Plugin = p.String()
		if err := m.collected.AddPluginSchema(ctx, *schema); err != nil {
			return p, errors.Wrapf(err, "plugin %s registered but its schema was not stored", p)
		}
	}

	m.logger.Infow("Registered plugin",
		logger.FieldPlugin, p.String(),
		"type", p.Type,
		"requires", p.Requires,
		"arguments", len(args))
	return p, nil
}

// Install runs the install step of each plugin on the backend. values
// override install argument defaults by argument name and apply to every
// plugin declaring that argument. Plugins that installed are marked active
// and installed; failures are reported per plugin in the results.
func (m *Manager) Install(ctx context.Context, ids []int64, values map[string]string) ([]backend.InstallResult, error) {
	plugins, err := m.store.GetPlugins(ctx, ids)
	if err != nil {
		return nil, err
	}

	installs := make([]backend.PluginInstall, 0, len(plugins))
	for _, p := range plugins {
		args, err := m.store.ListArguments(ctx, p.ID, jobstore.ArgumentInstall)
		if err != nil {
			return nil, err
		}
		for i := range args {
			if v, ok := values[args[i].Name]; ok {
				args[i].InstallValue = v
			}
			if args[i].Required && args[i].InstallValue == "" {
				return nil, errors.WithHintf(
					errors.NewInvalidRequestError("plugin %s needs install argument %s", p, args[i].Name),
					"pass --arg %s=<value>", args[i].Name)
			}
		}
		installs = append(installs, backend.PluginInstall{Plugin: p, Arguments: args})
	}

	results := m.backend.InstallPlugins(ctx, installs)
	for i, res := range results {
		p := installs[i].Plugin
		if !res.OK {
			m.logger.Warnw("Plugin installation failed",
				logger.FieldPlugin, p.String(),
				logger.FieldBackend, m.backend.Identifier(),
				logger.FieldError, res.Error)
			continue
		}
		if err := m.store.SetPluginState(ctx, p.ID, true, true); err != nil {
			return results, err
		}
		m.logger.Infow("Installed plugin", logger.FieldPlugin, p.String(), logger.FieldBackend, m.backend.Identifier())
	}
	return results, nil
}

// Order returns the plugins with ids in an order that runs requirements first
func (m *Manager) Order(ctx context.Context, ids []int64) ([]*jobstore.Plugin, error) {
	plugins, err := m.store.GetPlugins(ctx, ids)
	if err != nil {
		return nil, err
	}
	return depgraph.Order(plugins)
}

// Delete removes a plugin. Every plugin requiring it is rebound to a
// substitute in the same transaction; a dependent without one blocks the
// deletion with *depgraph.StillRequiredError. Installed plugins are first
// removed from the backend.
func (m *Manager) Delete(ctx context.Context, id int64) (*depgraph.DeletionPlan, error) {
	target, err := m.store.GetPlugin(ctx, id)
	if err != nil {
		return nil, err
	}
	universe, err := m.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := depgraph.PlanDeletion(target, universe)
	if err != nil {
		return nil, err
	}

	if target.Installed {
		if err := m.backend.DeletePlugins(ctx, []*jobstore.Plugin{target}); err != nil {
			return nil, errors.Wrapf(err, "failed to remove plugin %s from backend %s", target, m.backend.Identifier())
		}
	}
	if err := m.store.ApplyDeletion(ctx, target.ID, plan.Edges()); err != nil {
		return nil, err
	}

	if m.collected != nil {
		if err := m.collected.DeletePluginSchema(ctx, target.String()); err != nil && !errors.IsNotFoundError(err) {
			m.logger.Warnw("Plugin schema not removed", logger.FieldPlugin, target.String(), logger.FieldError, err)
		}
	}

	for _, rw := range plan.Rewrites {
		m.logger.Infow("Rebound requirement",
			"dependent", rw.Dependent.String(),
			"substitute", rw.Substitute.String())
	}
	m.logger.Infow("Deleted plugin", logger.FieldPlugin, target.String(), "rewrites", len(plan.Rewrites))
	return plan, nil
}
