package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/harvest/errors"
)

// Queue is a FIFO of work items persisted in the job store database
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// NewQueue creates a queue over db, which must carry the work_items migration
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Push appends items in one transaction, filling in their ids
func (q *Queue) Push(ctx context.Context, items ...*WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin enqueue")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		if item.Status == "" {
			item.Status = ItemQueued
		}
		payload, err := json.Marshal(item.Envelope)
		if err != nil {
			return errors.Wrap(err, "failed to encode work item")
		}

		var jobID sql.NullInt64
		if item.Envelope.JobID != 0 {
			jobID = sql.NullInt64{Int64: item.Envelope.JobID, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (batch, barrier, payload, job_id, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.Batch, item.Barrier, string(payload), jobID, item.Status, now)
		if err != nil {
			err = errors.Wrap(err, "failed to enqueue work item")
			err = errors.WithDetail(err, fmt.Sprintf("Batch: %s", item.Batch))
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", item.Envelope.JobID))
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "failed to read work item id")
		}
		item.CreatedAt = now
	}

	return tx.Commit()
}

// Dequeue takes the oldest poppable item and marks it running.
// Returns nil, nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		var id int64
		err := q.db.QueryRowContext(ctx, `
			SELECT w.id FROM work_items w
			WHERE w.status = 'queued'
			  AND NOT EXISTS (
			    SELECT 1 FROM work_items b
			    WHERE b.batch = w.batch AND b.batch != '' AND b.barrier = 1 AND b.id < w.id
			      AND b.status IN ('held', 'queued', 'running'))
			ORDER BY w.id
			LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to find next work item")
		}

		// Another process may have taken it in between
		res, err := q.db.ExecContext(ctx,
			`UPDATE work_items SET status = 'running', started_at = ? WHERE id = ? AND status = 'queued'`,
			time.Now().UTC(), id)
		if err != nil {
			err = errors.Wrap(err, "failed to mark work item running")
			return nil, errors.WithDetail(err, fmt.Sprintf("Item ID: %d", id))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		return q.get(ctx, id)
	}
}

// Wait blocks until an item is ready or ctx is done
func (q *Queue) Wait(ctx context.Context, interval time.Duration) (*WorkItem, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		item, err := q.Dequeue(ctx)
		if err != nil || item != nil {
			return item, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get loads an item by id
func (q *Queue) Get(ctx context.Context, id int64) (*WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(ctx, id)
}

func (q *Queue) get(ctx context.Context, id int64) (*WorkItem, error) {
	item, err := scanItem(q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("work item %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load work item %d", id)
	}
	return item, nil
}

// Complete finishes a running item; a non-empty failure marks it failed
func (q *Queue) Complete(ctx context.Context, id int64, failure string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := ItemDone
	if failure != "" {
		status = ItemFailed
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, failure, time.Now().UTC(), id)
	if err != nil {
		err = errors.Wrap(err, "failed to complete work item")
		return errors.WithDetail(err, fmt.Sprintf("Item ID: %d", id))
	}
	return nil
}

// ReleaseDependents queues held items of jobs that require jobID
// once every job they require is DONE. Returns the released job ids.
func (q *Queue) ReleaseDependents(ctx context.Context, jobID int64) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `
		SELECT w.id, w.job_id FROM work_items w
		JOIN job_requires r ON r.job_id = w.job_id
		WHERE w.status = 'held' AND r.required_id = ?
		  AND NOT EXISTS (
		    SELECT 1 FROM job_requires r2 JOIN jobs j ON j.id = r2.required_id
		    WHERE r2.job_id = w.job_id AND j.status != 'DONE')
		ORDER BY w.id`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find dependents of job %d", jobID)
	}

	var itemIDs, jobIDs []int64
	for rows.Next() {
		var itemID, depJobID int64
		if err := rows.Scan(&itemID, &depJobID); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan held work item")
		}
		itemIDs = append(itemIDs, itemID)
		jobIDs = append(jobIDs, depJobID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range itemIDs {
		if _, err := q.db.ExecContext(ctx,
			`UPDATE work_items SET status = 'queued' WHERE id = ? AND status = 'held'`, id); err != nil {
			err = errors.Wrap(err, "failed to release work item")
			return nil, errors.WithDetail(err, fmt.Sprintf("Item ID: %d", id))
		}
	}
	return jobIDs, nil
}

// FailDependents fails the held items of every job that transitively
// requires jobID. Returns the ids of the jobs that can no longer run.
func (q *Queue) FailDependents(ctx context.Context, jobID int64) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin dependent failure")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var failed []int64
	seen := map[int64]bool{jobID: true}
	work := []int64{jobID}

	for len(work) > 0 {
		current := work[0]
		work = work[1:]

		rows, err := tx.QueryContext(ctx, `
			SELECT w.id, w.job_id FROM work_items w
			JOIN job_requires r ON r.job_id = w.job_id
			WHERE w.status = 'held' AND r.required_id = ?
			ORDER BY w.id`, current)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to find dependents of job %d", current)
		}

		type held struct{ item, job int64 }
		var found []held
		for rows.Next() {
			var h held
			if err := rows.Scan(&h.item, &h.job); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan held work item")
			}
			found = append(found, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, h := range found {
			reason := fmt.Sprintf("required job %d did not finish successfully", current)
			if _, err := tx.ExecContext(ctx,
				`UPDATE work_items SET status = 'failed', error = ?, completed_at = ? WHERE id = ?`,
				reason, now, h.item); err != nil {
				return nil, errors.Wrapf(err, "failed to fail work item %d", h.item)
			}
			if !seen[h.job] {
				seen[h.job] = true
				failed = append(failed, h.job)
				work = append(work, h.job)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit dependent failure")
	}
	return failed, nil
}

// Counts tallies items by status
func (q *Queue) Counts(ctx context.Context) (map[ItemStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count work items")
	}
	defer rows.Close()

	counts := make(map[ItemStatus]int)
	for rows.Next() {
		var st ItemStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan work item count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// List returns items in queue order, optionally filtered by status
func (q *Queue) List(ctx context.Context, status ItemStatus, limit int) ([]*WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list work items")
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan work item")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RequeueRunning puts items left running by a crashed worker back in the queue
func (q *Queue) RequeueRunning(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET status = 'queued', started_at = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue running work items")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
