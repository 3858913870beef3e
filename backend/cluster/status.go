package cluster

import (
	"context"
	"strconv"
	"strings"

	"github.com/teranos/harvest/jobstore"
)

// sacctChunk bounds the number of job names per sacct call
const sacctChunk = 3000

// StatusQuery renders the sacct call for a chunk of job ids
func StatusQuery(ids []string) string {
	return `sacct -S 2019-01-01 --name ` + strings.Join(ids, ",") + ` --format="JobName,State"`
}

// ParseStates reads sacct output into job name → state, skipping the header
func ParseStates(stdout []string) map[string]string {
	states := make(map[string]string)
	if len(stdout) == 0 {
		return states
	}
	for _, line := range stdout[1:] {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			states[fields[0]] = fields[1]
		}
	}
	return states
}

// MapState turns a SLURM job state into a job status; unknown jobs are still waiting
func MapState(state string, found bool) jobstore.Status {
	if !found {
		return jobstore.StatusWait
	}
	switch strings.ToLower(state) {
	case "completed":
		return jobstore.StatusDone
	case "pending", "running", "requeued", "resizing", "suspended":
		return jobstore.StatusWait
	default:
		return jobstore.StatusExit
	}
}

// GetJobStatuses asks sacct in chunks and answers in the order of jobs
func (b *Backend) GetJobStatuses(ctx context.Context, jobs []*jobstore.Job) ([]jobstore.Status, error) {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = strconv.FormatInt(j.ID, 10)
	}

	results := make([]jobstore.Status, 0, len(ids))
	for start := 0; start < len(ids); start += sacctChunk {
		end := min(start+sacctChunk, len(ids))
		chunk := ids[start:end]

		stdout, err := b.ExecuteCommand(ctx, StatusQuery(chunk), false)
		if err != nil {
			return nil, err
		}
		states := ParseStates(stdout)
		for _, id := range chunk {
			state, ok := states[id]
			results = append(results, MapState(state, ok))
		}
	}
	return results, nil
}
