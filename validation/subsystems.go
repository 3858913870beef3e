package validation

import (
	"context"

	"github.com/teranos/harvest/collected"
)

// Subsystem is a per-file analysis whose output is checked against the tree.
// Analyses differ only in which code entity states show that they ran.
type Subsystem struct {
	Name   string
	Signal func(*collected.CodeEntityState) bool
}

var (
	// Coast is the AST analysis; it writes node_count
	Coast = Subsystem{Name: "coastshark", Signal: func(s *collected.CodeEntityState) bool { return s.NodeCount() > 0 }}
	// Meco is the metric analysis; it writes everything but node_count
	Meco = Subsystem{Name: "mecoshark", Signal: (*collected.CodeEntityState).HasForeignMetric}
)

// Ran reports whether any stored commit carries the subsystem signal.
// It stops at the first commit that does.
func (s Subsystem) Ran(ctx context.Context, store collected.Store, commits []*collected.Commit) (bool, error) {
	for _, c := range commits {
		states, err := store.CodeEntityStates(ctx, c.ID)
		if err != nil {
			return false, err
		}
		for _, st := range states {
			if s.Signal(st) {
				return true, nil
			}
		}
	}
	return false, nil
}

// LongNames are the long names of the states carrying the signal
func (s Subsystem) LongNames(states []*collected.CodeEntityState) []string {
	var out []string
	for _, st := range states {
		if s.Signal(st) {
			out = append(out, st.LongName)
		}
	}
	return out
}

// EntityCheck is the outcome of crossing stored long names off the tree
type EntityCheck struct {
	Ran         bool
	Unvalidated []string // stored, not in the tree
	Missing     []string // in the tree, not stored
}

// OK reports whether the subsystem ran and covered the tree exactly
func (c EntityCheck) OK() bool {
	return c.Ran && len(c.Unvalidated) == 0 && len(c.Missing) == 0
}

// MatchEntities crosses the tree's source files off the stored long names
func MatchEntities(longNames, files []string) EntityCheck {
	check := EntityCheck{Ran: true}
	remaining := make(map[string]int, len(longNames))
	for _, n := range longNames {
		remaining[n]++
	}
	for _, f := range files {
		if remaining[f] > 0 {
			remaining[f]--
			continue
		}
		check.Missing = append(check.Missing, f)
	}
	for _, n := range longNames {
		if remaining[n] > 0 {
			remaining[n]--
			check.Unvalidated = append(check.Unvalidated, n)
		}
	}
	return check
}
