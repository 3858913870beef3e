package scheduler

import (
	"context"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
)

// SelectRevisions returns the revisions a revision-level execution targets.
// The result keeps first-seen order and holds no duplicates.
func (s *Scheduler) SelectRevisions(ctx context.Context, project *jobstore.Project, pe *jobstore.PluginExecution) ([]string, error) {
	switch pe.ExecutionType {
	case jobstore.ExecutionAll:
		return s.collectedRevisions(ctx, pe.RepositoryURL)

	case jobstore.ExecutionNew:
		all, err := s.collectedRevisions(ctx, pe.RepositoryURL)
		if err != nil {
			return nil, err
		}
		prior, err := s.store.RevisionStatuses(ctx, pe.PluginID, project.ID)
		if err != nil {
			return nil, err
		}
		covered := make(map[string]bool, len(prior))
		for _, r := range prior {
			covered[r.Revision] = true
		}
		var out []string
		for _, rev := range all {
			if !covered[rev] {
				out = append(out, rev)
			}
		}
		return out, nil

	case jobstore.ExecutionRev:
		return dedupe(pe.RevisionList()), nil

	case jobstore.ExecutionError:
		return s.failedRevisions(ctx, pe.PluginID, project.ID)

	case jobstore.ExecutionVer:
		return s.invalidRevisions(ctx, project.ID, pe.RepositoryURL)
	}
	return nil, errors.NewInvalidRequestError("unknown execution type %q", pe.ExecutionType)
}

// collectedRevisions lists the stored commits of the repository that were
// committed at or before its last synchronization
func (s *Scheduler) collectedRevisions(ctx context.Context, repositoryURL string) ([]string, error) {
	if s.collected == nil {
		return nil, errors.NewInvalidRequestError("revision selection needs the collected-data store")
	}
	vcs, err := s.collected.VCSSystemByURL(ctx, repositoryURL)
	if err != nil {
		return nil, errors.WithHint(err, "run the VCS ingestion plugin on this project first")
	}
	commits, err := s.collected.Commits(ctx, vcs.ID)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, c := range commits {
		if !vcs.LastUpdated.IsZero() && c.CommitterDate.After(vcs.LastUpdated) {
			continue
		}
		out = append(out, c.RevisionHash)
	}
	return dedupe(out), nil
}

// failedRevisions are revisions with an EXIT job and no DONE job across all executions
func (s *Scheduler) failedRevisions(ctx context.Context, pluginID, projectID int64) ([]string, error) {
	statuses, err := s.store.RevisionStatuses(ctx, pluginID, projectID)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool)
	for _, r := range statuses {
		if r.Status == jobstore.StatusDone {
			done[r.Revision] = true
		}
	}
	var out []string
	for _, r := range statuses {
		if r.Status == jobstore.StatusExit && !done[r.Revision] && r.Revision != "" {
			out = append(out, r.Revision)
		}
	}
	return dedupe(out), nil
}

// invalidRevisions puts ingestion failures before analysis failures
func (s *Scheduler) invalidRevisions(ctx context.Context, projectID int64, repositoryURL string) ([]string, error) {
	validations, err := s.store.ListCommitValidations(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, cv := range jobstore.FailedValidations(validations) {
		if repositoryURL == "" || cv.VCSSystem == repositoryURL {
			out = append(out, cv.RevisionHash)
		}
	}
	return dedupe(out), nil
}

func dedupe(revs []string) []string {
	seen := make(map[string]bool, len(revs))
	out := make([]string, 0, len(revs))
	for _, r := range revs {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
