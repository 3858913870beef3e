package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/harvest/errors"
)

// Envelope is the JSON payload of a work item.
// JobID is zero for intermediate steps such as clone or mkdir.
type Envelope struct {
	Shell             string `json:"shell"`
	JobID             int64  `json:"job_id,omitempty"`
	PluginExecutionID int64  `json:"plugin_execution_id,omitempty"`
}

// ItemStatus is the lifecycle state of a work item
type ItemStatus string

const (
	ItemHeld    ItemStatus = "held"    // waiting for prerequisite jobs
	ItemQueued  ItemStatus = "queued"  // ready to be popped
	ItemRunning ItemStatus = "running" // popped by a peon
	ItemDone    ItemStatus = "done"
	ItemFailed  ItemStatus = "failed"
)

// WorkItem is one persisted envelope.
// Items after a barrier in the same batch are not popped until the barrier finished.
type WorkItem struct {
	ID          int64
	Batch       string
	Barrier     bool
	Envelope    Envelope
	Status      ItemStatus
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

const itemColumns = `id, batch, barrier, payload, status, error, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*WorkItem, error) {
	var item WorkItem
	var payload string
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&item.ID, &item.Batch, &item.Barrier, &payload, &item.Status, &item.Error,
		&item.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &item.Envelope); err != nil {
		return nil, errors.Wrapf(err, "failed to decode work item %d", item.ID)
	}
	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	return &item, nil
}
