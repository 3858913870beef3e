// Package validation cross-checks the history of a project's repository
// against the records collected from it and stores one verdict per commit.
//
// A run clones the repository, walks every branch and tag up to the time the
// repository was last synchronized, and reports commits missing on either
// side. For each commit present in both it recomputes the file actions and,
// for the per-file analyses that ran on the project, checks out the commit
// and compares the source files against the stored code entity states.
package validation

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// Engine validates projects; one run per project at a time
type Engine struct {
	store       *jobstore.Store
	collected   collected.Store
	cfg         am.ValidationConfig
	logger      *zap.SugaredLogger
	materialize Materializer

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates an engine that clones repositories under cfg.WorkDir
func New(store *jobstore.Store, coll collected.Store, cfg am.ValidationConfig, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = logger.Logger
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = am.DefaultSimilarityThreshold
	}
	if len(cfg.SourceExtensions) == 0 {
		cfg.SourceExtensions = []string{".py", ".java"}
	}
	return &Engine{
		store:       store,
		collected:   coll,
		cfg:         cfg,
		logger:      log.Named("validation"),
		materialize: CloneRepository,
		locks:       make(map[int64]*sync.Mutex),
	}
}

// WithMaterializer replaces how repositories are obtained
func (e *Engine) WithMaterializer(m Materializer) *Engine {
	e.materialize = m
	return e
}

// Options narrow a run
type Options struct {
	// Revisions limits validation to these commits; empty validates every commit
	Revisions []string
	// KeepCheckout leaves the working copy in place after the run
	KeepCheckout bool
}

// lock claims the project's checkout or reports that another run holds it
func (e *Engine) lock(project *jobstore.Project) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[project.ID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[project.ID] = l
	}
	e.mu.Unlock()

	if !l.TryLock() {
		return nil, errors.NewConflictError("validation of project %s is already running", project.Name)
	}
	return l.Unlock, nil
}

// Run validates the first repository of project and upserts a verdict per
// commit. Findings are data: they land in the report and the job store, and
// only infrastructure failures are returned as errors.
func (e *Engine) Run(ctx context.Context, project *jobstore.Project, opts Options) (*Report, error) {
	unlock, err := e.lock(project)
	if err != nil {
		return nil, err
	}
	defer unlock()

	systems, err := collected.ProjectVCSSystems(ctx, e.collected, project.Name, project.MongoID)
	if err != nil {
		return nil, err
	}
	vcs := systems[0]
	report := &Report{Project: project.Name, Repository: vcs.URL, Cutoff: vcs.LastUpdated}

	dir := filepath.Join(e.cfg.WorkDir, project.Name)
	repo, err := e.materialize(ctx, vcs.URL, dir)
	if err != nil {
		return nil, err
	}
	if !opts.KeepCheckout {
		defer os.RemoveAll(dir)
	}
	if repo == nil {
		e.logger.Infow("Repository is empty", logger.FieldProject, project.Name, logger.FieldVCSURL, vcs.URL)
		return report, nil
	}

	upstream, err := UpstreamCommits(repo, vcs.LastUpdated)
	if err != nil {
		return nil, err
	}
	stored, err := e.collected.Commits(ctx, vcs.ID)
	if err != nil {
		return nil, err
	}

	byRevision := make(map[string]*collected.Commit, len(stored))
	for _, c := range stored {
		byRevision[c.RevisionHash] = c
	}
	upstreamRevisions := make(map[string]*object.Commit, len(upstream))
	for _, c := range upstream {
		rev := c.Hash.String()
		upstreamRevisions[rev] = c
		if byRevision[rev] == nil {
			report.MissingCommits = append(report.MissingCommits, rev)
		}
	}
	for _, c := range stored {
		if upstreamRevisions[c.RevisionHash] == nil {
			report.UnmatchedCommits = append(report.UnmatchedCommits, c.RevisionHash)
		}
	}
	sort.Strings(report.MissingCommits)
	sort.Strings(report.UnmatchedCommits)

	coastRan, err := Coast.Ran(ctx, e.collected, stored)
	if err != nil {
		return nil, err
	}
	mecoRan, err := Meco.Ran(ctx, e.collected, stored)
	if err != nil {
		return nil, err
	}

	e.logger.Infow("Validating project",
		logger.FieldProject, project.Name,
		logger.FieldVCSURL, vcs.URL,
		"upstream", len(upstream),
		"stored", len(stored),
		"missing", len(report.MissingCommits),
		"unmatched", len(report.UnmatchedCommits),
		"coast_ran", coastRan,
		"meco_ran", mecoRan)

	targets := upstream
	if len(opts.Revisions) > 0 {
		targets = nil
		for _, rev := range opts.Revisions {
			c, ok := upstreamRevisions[rev]
			if !ok {
				e.logger.Warnw("Commit not in repository, skipping",
					logger.FieldProject, project.Name,
					logger.FieldRevision, rev)
				report.Skipped = append(report.Skipped, rev)
				continue
			}
			targets = append(targets, c)
		}
	}

	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rev := c.Hash.String()

		result, err := e.checkCommit(ctx, repo, dir, c, byRevision[rev], coastRan, mecoRan)
		if err != nil {
			e.logger.Errorw("Commit validation failed, skipping",
				logger.FieldProject, project.Name,
				logger.FieldRevision, rev,
				logger.FieldError, err)
			report.Skipped = append(report.Skipped, rev)
			report.Findings = append(report.Findings, Finding{Revision: rev, Error: err.Error()})
			continue
		}

		cv := result.Verdict(project.ID, vcs.URL)
		changed, err := e.store.UpsertCommitValidation(ctx, cv)
		if err != nil {
			return report, err
		}
		if changed {
			report.Written++
		}
		report.add(cv)
	}

	e.logger.Infow("Validated project",
		logger.FieldProject, project.Name,
		logger.FieldCount, report.Commits,
		"invalid", report.Invalid,
		"written", report.Written)
	return report, nil
}

// checkCommit works out the result for one upstream commit
func (e *Engine) checkCommit(ctx context.Context, repo *git.Repository, dir string, c *object.Commit, stored *collected.Commit, coastRan, mecoRan bool) (CommitResult, error) {
	result := CommitResult{Revision: c.Hash.String()}
	if stored == nil {
		e.logger.Debugw("Commit not in collected data, skipping diff checks", logger.FieldRevision, result.Revision)
		result.NotStored = true
		return result, nil
	}

	records, root, err := RecomputeFileActions(ctx, c, e.cfg.SimilarityThreshold)
	if err != nil {
		return result, err
	}
	actions, err := e.collected.FileActions(ctx, stored.ID)
	if err != nil {
		return result, err
	}
	result.FileActions = MatchFileActions(records, actions, root)

	if !coastRan && !mecoRan {
		return result, nil
	}

	states, err := e.collected.CodeEntityStates(ctx, stored.ID)
	if err != nil {
		return result, err
	}
	var files []string
	err = withCheckout(repo, c.Hash, func() error {
		var err error
		files, err = SourceFiles(dir, e.cfg.SourceExtensions)
		return err
	})
	if err != nil {
		return result, err
	}

	if coastRan {
		result.Coast = MatchEntities(Coast.LongNames(states), files)
	}
	if mecoRan {
		result.Meco = MatchEntities(Meco.LongNames(states), files)
	}
	return result, nil
}
