package validation

import (
	"strings"

	"github.com/teranos/harvest/jobstore"
)

// BaseSubsystem names the ingestion section of a verdict text
const BaseSubsystem = "vcsshark"

const (
	sectionPrefix  = "+++ "
	lineStored     = "-" // stored, not reproduced from the repository
	lineRepository = "+" // in the repository, not stored
)

// CommitResult is everything learned about one commit
type CommitResult struct {
	Revision    string
	NotStored   bool
	FileActions FileActionCheck
	Coast       EntityCheck
	Meco        EntityCheck
}

// Verdict folds r into a commit validation record
func (r CommitResult) Verdict(projectID int64, repositoryURL string) *jobstore.CommitValidation {
	cv := &jobstore.CommitValidation{
		ProjectID:    projectID,
		VCSSystem:    repositoryURL,
		RevisionHash: r.Revision,
	}
	if r.NotStored {
		cv.Missing = true
		cv.CoastMissing = true
		cv.MecoMissing = true
		cv.Text = "commit not in collected data"
		return cv
	}

	cv.Valid = r.FileActions.OK()
	cv.Missing = len(r.FileActions.Missing) > 0
	cv.CoastValid, cv.CoastMissing = entityFlags(r.Coast)
	cv.MecoValid, cv.MecoMissing = entityFlags(r.Meco)

	var b strings.Builder
	section(&b, BaseSubsystem, r.FileActions.Unmatched, r.FileActions.Missing)
	section(&b, Coast.Name, r.Coast.Unvalidated, r.Coast.Missing)
	section(&b, Meco.Name, r.Meco.Unvalidated, r.Meco.Missing)
	cv.Text = strings.TrimSuffix(b.String(), "\n")
	return cv
}

func entityFlags(c EntityCheck) (valid, missing bool) {
	return c.OK(), !c.Ran || len(c.Missing) > 0
}

func section(b *strings.Builder, name string, stored, repository []string) {
	if len(stored) == 0 && len(repository) == 0 {
		return
	}
	b.WriteString(sectionPrefix + name + " " + strings.TrimSpace(sectionPrefix) + "\n")
	for _, s := range stored {
		b.WriteString(lineStored + s + "\n")
	}
	for _, s := range repository {
		b.WriteString(lineRepository + s + "\n")
	}
}

// SectionEntries returns the entries listed under a subsystem's section of a
// verdict text, without their leading marker
func SectionEntries(text, subsystem string) []string {
	var out []string
	in := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, sectionPrefix) {
			in = strings.HasPrefix(line, sectionPrefix+subsystem+" ")
			continue
		}
		if in && len(line) > 1 {
			out = append(out, line[1:])
		}
	}
	return out
}
