package jobstore

import (
	"database/sql"
	"strconv"
	"strings"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const pluginColumns = `id, name, version, author, description, plugin_type, active, installed, archive_path, created_at`

func scanPlugin(row rowScanner) (*Plugin, error) {
	var p Plugin
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Author, &p.Description,
		&p.Type, &p.Active, &p.Installed, &p.ArchivePath, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const projectColumns = `id, name, mongo_id, created_at`

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.MongoID, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const executionColumns = `id, plugin_id, project_id, repository_url, execution_type, revisions,
	queue, cores_per_job, status, submitted_at`

func scanExecution(row rowScanner) (*PluginExecution, error) {
	var pe PluginExecution
	if err := row.Scan(&pe.ID, &pe.PluginID, &pe.ProjectID, &pe.RepositoryURL, &pe.ExecutionType,
		&pe.Revisions, &pe.Queue, &pe.CoresPerJob, &pe.Status, &pe.SubmittedAt); err != nil {
		return nil, err
	}
	return &pe, nil
}

// jobColumns aggregates the requires edges into a comma list so a job is one row
const jobColumns = `j.id, j.plugin_execution_id, j.revision_hash, j.status,
	COALESCE((SELECT GROUP_CONCAT(r.required_id) FROM job_requires r WHERE r.job_id = j.id), ''),
	j.created_at, j.updated_at`

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var requires sql.NullString
	if err := row.Scan(&j.ID, &j.PluginExecutionID, &j.RevisionHash, &j.Status,
		&requires, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Requires = parseIDList(requires.String)
	return &j, nil
}

const validationColumns = `id, project_id, vcs_system, revision_hash, valid, missing,
	coast_valid, coast_missing, meco_valid, meco_missing, text, updated_at`

func scanValidation(row rowScanner) (*CommitValidation, error) {
	var cv CommitValidation
	if err := row.Scan(&cv.ID, &cv.ProjectID, &cv.VCSSystem, &cv.RevisionHash, &cv.Valid, &cv.Missing,
		&cv.CoastValid, &cv.CoastMissing, &cv.MecoValid, &cv.MecoMissing, &cv.Text, &cv.UpdatedAt); err != nil {
		return nil, err
	}
	return &cv, nil
}

func parseIDList(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// placeholders returns "?, ?, ?" for n parameters
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
