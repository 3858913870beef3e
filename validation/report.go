package validation

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
)

// Report summarizes a validation run or the stored verdicts of a project
type Report struct {
	Project          string    `yaml:"project"`
	Repository       string    `yaml:"repository,omitempty"`
	Cutoff           time.Time `yaml:"cutoff,omitempty"`
	Commits          int       `yaml:"commits"`
	Written          int       `yaml:"written"`
	Valid            int       `yaml:"valid"`
	Invalid          int       `yaml:"invalid"`
	CoastFailed      int       `yaml:"coast_failed"`
	MecoFailed       int       `yaml:"meco_failed"`
	MissingCommits   []string  `yaml:"missing_commits,omitempty"`
	UnmatchedCommits []string  `yaml:"unmatched_commits,omitempty"`
	Skipped          []string  `yaml:"skipped,omitempty"`
	Findings         []Finding `yaml:"findings,omitempty"`
}

// Finding is a commit that did not validate cleanly
type Finding struct {
	Revision   string `yaml:"revision"`
	Valid      bool   `yaml:"valid"`
	Missing    bool   `yaml:"missing"`
	CoastValid bool   `yaml:"coast_valid"`
	MecoValid  bool   `yaml:"meco_valid"`
	Text       string `yaml:"text,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

func (r *Report) add(cv *jobstore.CommitValidation) {
	r.Commits++
	if cv.Valid {
		r.Valid++
	} else {
		r.Invalid++
	}
	if !cv.CoastValid {
		r.CoastFailed++
	}
	if !cv.MecoValid {
		r.MecoFailed++
	}
	if cv.Valid && !cv.AnalysisFailed() {
		return
	}
	r.Findings = append(r.Findings, Finding{
		Revision:   cv.RevisionHash,
		Valid:      cv.Valid,
		Missing:    cv.Missing,
		CoastValid: cv.CoastValid,
		MecoValid:  cv.MecoValid,
		Text:       cv.Text,
	})
}

// Summarize builds a report from stored verdicts
func Summarize(project *jobstore.Project, validations []*jobstore.CommitValidation) *Report {
	r := &Report{Project: project.Name}
	for _, cv := range validations {
		if r.Repository == "" {
			r.Repository = cv.VCSSystem
		}
		r.add(cv)
	}
	return r
}

// WriteYAML writes the report as YAML
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "failed to encode validation report")
	}
	return enc.Close()
}
