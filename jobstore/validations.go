package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/harvest/errors"
)

// UpsertCommitValidation inserts or updates the verdict for (project, vcs system, commit).
// An existing record whose valid/missing flags are unchanged is left alone;
// changed reports whether a row was written.
func (s *Store) UpsertCommitValidation(ctx context.Context, cv *CommitValidation) (changed bool, err error) {
	cv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commit_validations (project_id, vcs_system, revision_hash, valid, missing,
			coast_valid, coast_missing, meco_valid, meco_missing, text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, vcs_system, revision_hash) DO UPDATE SET
			valid = excluded.valid,
			missing = excluded.missing,
			coast_valid = excluded.coast_valid,
			coast_missing = excluded.coast_missing,
			meco_valid = excluded.meco_valid,
			meco_missing = excluded.meco_missing,
			text = excluded.text,
			updated_at = excluded.updated_at
		WHERE commit_validations.valid != excluded.valid
			OR commit_validations.missing != excluded.missing
			OR commit_validations.coast_valid != excluded.coast_valid
			OR commit_validations.coast_missing != excluded.coast_missing
			OR commit_validations.meco_valid != excluded.meco_valid
			OR commit_validations.meco_missing != excluded.meco_missing`,
		cv.ProjectID, cv.VCSSystem, cv.RevisionHash, cv.Valid, cv.Missing,
		cv.CoastValid, cv.CoastMissing, cv.MecoValid, cv.MecoMissing, cv.Text, cv.UpdatedAt)
	if err != nil {
		err = errors.Wrap(err, "failed to upsert commit validation")
		err = errors.WithDetail(err, fmt.Sprintf("Project ID: %d", cv.ProjectID))
		return false, errors.WithDetail(err, fmt.Sprintf("Commit: %s", cv.RevisionHash))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

// UpdateCommitValidationText replaces the findings text without touching the verdict
func (s *Store) UpdateCommitValidationText(ctx context.Context, id int64, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commit_validations SET text = ?, updated_at = ? WHERE id = ?`, text, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update commit validation %d", id)
	}
	return expectOneRow(res, "commit validation", id)
}

// SetCoastVerdict overrides the coast flags of one record
func (s *Store) SetCoastVerdict(ctx context.Context, id int64, valid, missing bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commit_validations SET coast_valid = ?, coast_missing = ?, updated_at = ? WHERE id = ?`,
		valid, missing, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update commit validation %d", id)
	}
	return expectOneRow(res, "commit validation", id)
}

// GetCommitValidation loads the verdict for one commit
func (s *Store) GetCommitValidation(ctx context.Context, projectID int64, vcsSystem, revision string) (*CommitValidation, error) {
	cv, err := scanValidation(s.db.QueryRowContext(ctx, `
		SELECT `+validationColumns+` FROM commit_validations
		WHERE project_id = ? AND vcs_system = ? AND revision_hash = ?`, projectID, vcsSystem, revision))
	if err != nil {
		return nil, notFound(err, "commit validation", revision)
	}
	return cv, nil
}

// ListCommitValidations returns every verdict of a project ordered by id
func (s *Store) ListCommitValidations(ctx context.Context, projectID int64) ([]*CommitValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+validationColumns+` FROM commit_validations
		WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list commit validations of project %d", projectID)
	}
	defer rows.Close()

	var out []*CommitValidation
	for rows.Next() {
		cv, err := scanValidation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan commit validation")
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}
