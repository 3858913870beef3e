package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/backend/builtin"
	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/db"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// env is what most commands open before doing anything
type env struct {
	cfg   *am.Config
	db    *sql.DB
	store *jobstore.Store
	log   *zap.SugaredLogger
	mongo *collected.MongoStore
}

// openEnv loads and checks the configuration and opens the migrated job store
func openEnv() (*env, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	path, err := am.GetDatabasePath()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get database path")
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open job store at %s", path)
	}

	return &env{
		cfg:   cfg,
		db:    database,
		store: jobstore.NewStore(database),
		log:   logger.Logger,
	}, nil
}

func (e *env) Close() {
	if e.mongo != nil {
		_ = e.mongo.Close(context.Background())
	}
	e.db.Close()
}

// backend constructs the configured execution backend
func (e *env) backend() (backend.Backend, error) {
	return builtin.New(e.cfg, e.store, e.log)
}

// collected connects to the collected-data store once per command
func (e *env) collected(ctx context.Context) (*collected.MongoStore, error) {
	if e.mongo != nil {
		return e.mongo, nil
	}
	store, err := collected.Connect(ctx, e.cfg, e.log)
	if err != nil {
		return nil, err
	}
	e.mongo = store
	return store, nil
}

func (e *env) project(ctx context.Context, name string) (*jobstore.Project, error) {
	p, err := e.store.GetProjectByName(ctx, name)
	if err != nil {
		return nil, errors.WithHint(err, "list projects with: harvest project ls")
	}
	return p, nil
}

// plugin resolves a plugin by id or by name_version
func (e *env) plugin(ctx context.Context, ref string) (*jobstore.Plugin, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return e.store.GetPlugin(ctx, id)
	}
	i := strings.LastIndex(ref, "_")
	if i <= 0 || i == len(ref)-1 {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("plugin reference %q is neither an id nor name_version", ref),
			"list plugins with: harvest plugin ls")
	}
	return e.store.GetPluginByName(ctx, ref[:i], ref[i+1:])
}

func (e *env) execution(ctx context.Context, ref string) (*jobstore.PluginExecution, error) {
	id, err := parseID(ref)
	if err != nil {
		return nil, err
	}
	return e.store.GetPluginExecution(ctx, id)
}

// waitSubmitted blocks until the backend accepted every submission
func waitSubmitted(ctx context.Context, be backend.Backend, subs ...submission) error {
	var errs error
	for _, s := range subs {
		if err := s.Wait(ctx); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	// cluster submissions continue on their own goroutine
	if w, ok := be.(interface{ Wait() }); ok {
		w.Wait()
	}
	return errs
}

type submission interface {
	Wait(ctx context.Context) error
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.NewInvalidRequestError("%q is not an id", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// parseAssignments turns name=value pairs into a map
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errors.NewInvalidRequestError("argument %q is not name=value", p)
		}
		out[name] = value
	}
	return out, nil
}

func parseStatus(s string) (jobstore.Status, error) {
	status := jobstore.Status(strings.ToUpper(s))
	if !status.Valid() {
		return "", errors.NewInvalidRequestError("unknown state %q (WAIT, DONE or EXIT)", s)
	}
	return status, nil
}

// FormatError renders err with its hints for the terminal
func FormatError(err error) string {
	msg := fmt.Sprintf("Error: %v", err)
	if hints := errors.FlattenHints(err); hints != "" {
		msg += "\nHint: " + hints
	}
	return msg
}
