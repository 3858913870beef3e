package validation

import (
	"context"
	"sort"
	"strings"

	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
	"github.com/teranos/harvest/logger"
)

// Coast log lines naming a file the analysis could not parse
var parseErrorPrefixes = []string{"Parser Error in file", "Lexer Error in file"}

const annotationSeparator = "\n----\n"

// OutputLogs reads the output log of a job; every backend provides it
type OutputLogs interface {
	GetOutputLog(ctx context.Context, job *jobstore.Job) ([]string, error)
}

// ParseErrorFix reports what CorrectParseErrors changed
type ParseErrorFix struct {
	Checked   int
	Annotated int
	Corrected int
}

// CorrectParseErrors revisits commits where the coast check failed. Files of
// the coast section that the latest coast job logged as unparseable are
// annotated on the record; when that explains every file, the coast verdict
// is set to valid.
func (e *Engine) CorrectParseErrors(ctx context.Context, project *jobstore.Project, logs OutputLogs) (ParseErrorFix, error) {
	var fix ParseErrorFix

	validations, err := e.store.ListCommitValidations(ctx, project.ID)
	if err != nil {
		return fix, err
	}
	jobs, err := e.latestCoastJobs(ctx, project)
	if err != nil {
		return fix, err
	}

	for _, cv := range validations {
		if cv.CoastValid || strings.Contains(cv.Text, annotationSeparator) {
			continue
		}
		files := SectionEntries(cv.Text, Coast.Name)
		if len(files) == 0 {
			continue
		}
		fix.Checked++

		job, ok := jobs[cv.RevisionHash]
		if !ok {
			e.logger.Debugw("No coast job for commit", logger.FieldRevision, cv.RevisionHash)
			continue
		}
		out, err := logs.GetOutputLog(ctx, job)
		if err != nil {
			return fix, errors.Wrapf(err, "failed to read output of job %d", job.ID)
		}

		var notes []string
		explained := make(map[string]bool)
		for _, file := range files {
			for _, line := range out {
				if strings.Contains(line, file) && hasAnyPrefix(line, parseErrorPrefixes) {
					notes = append(notes, file+" ("+line+")")
					explained[file] = true
				}
			}
		}

		if len(explained) == len(uniq(files)) {
			if err := e.store.SetCoastVerdict(ctx, cv.ID, true, false); err != nil {
				return fix, err
			}
			fix.Corrected++
		}
		if len(notes) > 0 {
			if err := e.store.UpdateCommitValidationText(ctx, cv.ID, strings.Join(notes, "\n")+annotationSeparator+cv.Text); err != nil {
				return fix, err
			}
			fix.Annotated++
		}
	}

	e.logger.Infow("Corrected coast parse errors",
		logger.FieldProject, project.Name,
		"checked", fix.Checked,
		"annotated", fix.Annotated,
		"corrected", fix.Corrected)
	return fix, nil
}

// latestCoastJobs maps each revision to its most recent coast job on project
func (e *Engine) latestCoastJobs(ctx context.Context, project *jobstore.Project) (map[string]*jobstore.Job, error) {
	plugins, err := e.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}

	var executions []*jobstore.PluginExecution
	for _, p := range plugins {
		if !strings.HasPrefix(strings.ToLower(p.Name), Coast.Name) {
			continue
		}
		pes, err := e.store.ListPluginExecutions(ctx, jobstore.ExecutionFilter{PluginID: p.ID, ProjectID: project.ID})
		if err != nil {
			return nil, err
		}
		executions = append(executions, pes...)
	}
	sortExecutions(executions)

	jobs := make(map[string]*jobstore.Job)
	for _, pe := range executions {
		list, err := e.store.ListJobs(ctx, jobstore.JobFilter{PluginExecutionID: pe.ID})
		if err != nil {
			return nil, err
		}
		for _, j := range list {
			jobs[j.RevisionHash] = j
		}
	}
	return jobs, nil
}

// ClearOutcome reports a ClearCodeEntityStateLists run
type ClearOutcome struct {
	Repository string
	Revisions  []string
	Result     collected.ClearResult
}

// ClearCodeEntityStateLists empties the code entity state lists of every
// commit of project whose verification failed
func (e *Engine) ClearCodeEntityStateLists(ctx context.Context, project *jobstore.Project) (*ClearOutcome, error) {
	validations, err := e.store.ListCommitValidations(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	failed := jobstore.FailedValidations(validations)
	if len(failed) == 0 {
		return nil, errors.WithHint(
			errors.NewNotFoundError("no failed verification data for project %s", project.Name),
			"run validation first")
	}

	out := &ClearOutcome{Repository: failed[0].VCSSystem}
	for _, cv := range failed {
		if cv.VCSSystem != out.Repository {
			return nil, errors.NewInvalidRequestError("project %s has verdicts for several repositories (%s, %s)",
				project.Name, out.Repository, cv.VCSSystem)
		}
		out.Revisions = append(out.Revisions, cv.RevisionHash)
	}

	vcs, err := e.collected.VCSSystemByURL(ctx, out.Repository)
	if err != nil {
		return nil, err
	}
	out.Result, err = e.collected.ClearCodeEntityStateLists(ctx, vcs.ID, out.Revisions)
	if err != nil {
		return nil, err
	}

	e.logger.Infow("Cleared code entity state lists",
		logger.FieldProject, project.Name,
		logger.FieldCount, len(out.Revisions),
		"cleared", out.Result.ClearedCommits,
		"moved_states", out.Result.MovedStates,
		"children", out.Result.ChildrenExamined)
	return out, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func uniq(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func sortExecutions(pes []*jobstore.PluginExecution) {
	sort.SliceStable(pes, func(i, j int) bool {
		if !pes[i].SubmittedAt.Equal(pes[j].SubmittedAt) {
			return pes[i].SubmittedAt.Before(pes[j].SubmittedAt)
		}
		return pes[i].ID < pes[j].ID
	})
}
