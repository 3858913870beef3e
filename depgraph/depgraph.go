// Package depgraph orders plugins by their requires relation and plans
// plugin deletion with version-constrained substitution.
package depgraph

import (
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/jobstore"
)

// Order returns plugins such that each one follows all of its requirements
// that are part of the same set. Requirements outside the set count as
// satisfied by earlier executions. A pass that places nothing means the
// remaining plugins require each other, reported as *CyclicDependencyError.
func Order(plugins []*jobstore.Plugin) ([]*jobstore.Plugin, error) {
	inSet := make(map[int64]bool, len(plugins))
	for _, p := range plugins {
		inSet[p.ID] = true
	}

	placed := make(map[int64]bool, len(plugins))
	ordered := make([]*jobstore.Plugin, 0, len(plugins))
	remaining := append([]*jobstore.Plugin(nil), plugins...)

	for len(remaining) > 0 {
		next := remaining[:0:0]
		for _, p := range remaining {
			if ready(p, inSet, placed) {
				ordered = append(ordered, p)
				placed[p.ID] = true
				continue
			}
			next = append(next, p)
		}

		if len(next) == len(remaining) {
			names := make([]string, len(next))
			for i, p := range next {
				names[i] = p.String()
			}
			return nil, &CyclicDependencyError{Plugins: names}
		}
		remaining = next
	}

	return ordered, nil
}

func ready(p *jobstore.Plugin, inSet, placed map[int64]bool) bool {
	for _, req := range p.Requires {
		if req == p.ID {
			return false
		}
		if inSet[req] && !placed[req] {
			return false
		}
	}
	return true
}

// Satisfies reports whether p's version meets req's operator and version
func Satisfies(p *jobstore.Plugin, req jobstore.Requirement) bool {
	if p.Name != req.Name {
		return false
	}
	version, err := semver.NewVersion(p.Version)
	if err != nil {
		return false
	}
	op := req.Operator
	if op == "" {
		op = "="
	}
	constraint, err := semver.NewConstraint(op + " " + req.Version)
	if err != nil {
		return false
	}
	return constraint.Check(version)
}

// FindSubstitute returns the highest version among active, installed
// candidates that satisfy req, skipping the plugin with id excluded
func FindSubstitute(req jobstore.Requirement, candidates []*jobstore.Plugin, excluded int64) (*jobstore.Plugin, bool) {
	var best *jobstore.Plugin
	var bestVersion *semver.Version

	for _, c := range candidates {
		if c.ID == excluded || !c.Active || !c.Installed || !Satisfies(c, req) {
			continue
		}
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = c, v
		}
	}
	return best, best != nil
}

// Resolve picks the best installed plugin for each of p's requirements
func Resolve(p *jobstore.Plugin, universe []*jobstore.Plugin) ([]int64, error) {
	ids := make([]int64, 0, len(p.Requirements))
	for _, req := range p.Requirements {
		match, ok := FindSubstitute(req, universe, p.ID)
		if !ok {
			return nil, &UnresolvedRequirementError{Plugin: p.String(), Requirement: req.String()}
		}
		ids = append(ids, match.ID)
	}
	return ids, nil
}

// Validate checks that p's requires edges do not lead back to p
// through the edges of universe
func Validate(p *jobstore.Plugin, universe []*jobstore.Plugin) error {
	edges := make(map[int64][]int64, len(universe)+1)
	names := make(map[int64]string, len(universe)+1)
	for _, u := range universe {
		edges[u.ID] = u.Requires
		names[u.ID] = u.String()
	}
	edges[p.ID] = p.Requires
	names[p.ID] = p.String()

	// Depth-first walk with an explicit stack, tracking the path for the error
	type frame struct {
		id   int64
		path []int64
	}
	visited := make(map[int64]bool)
	stack := []frame{}
	for _, req := range p.Requires {
		stack = append(stack, frame{id: req, path: []int64{p.ID, req}})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.id == p.ID {
			cycle := make([]string, len(f.path))
			for i, id := range f.path {
				cycle[i] = names[id]
			}
			return &CyclicDependencyError{Plugins: cycle}
		}
		if visited[f.id] {
			continue
		}
		visited[f.id] = true

		for _, next := range edges[f.id] {
			path := append(append([]int64(nil), f.path...), next)
			stack = append(stack, frame{id: next, path: path})
		}
	}
	return nil
}

// Rewrite replaces Dependent's edge to the deleted plugin with Substitute
type Rewrite struct {
	Dependent  *jobstore.Plugin
	Substitute *jobstore.Plugin
}

// DeletionPlan is the set of edge rewrites that keeps every dependent satisfied
type DeletionPlan struct {
	Target   *jobstore.Plugin
	Rewrites []Rewrite
}

// Edges converts the plan for jobstore.Store.ApplyDeletion
func (p *DeletionPlan) Edges() []jobstore.EdgeRewrite {
	out := make([]jobstore.EdgeRewrite, len(p.Rewrites))
	for i, rw := range p.Rewrites {
		out[i] = jobstore.EdgeRewrite{DependentID: rw.Dependent.ID, SubstituteID: rw.Substitute.ID}
	}
	return out
}

// PlanDeletion finds a substitute for every plugin in universe that requires target.
// Any dependent without one blocks the deletion with *StillRequiredError.
func PlanDeletion(target *jobstore.Plugin, universe []*jobstore.Plugin) (*DeletionPlan, error) {
	if target == nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "no plugin to delete")
	}

	plan := &DeletionPlan{Target: target}
	var blocked []string

	for _, dependent := range universe {
		if dependent.ID == target.ID || !dependent.RequiresID(target.ID) {
			continue
		}

		req, ok := dependent.RequirementFor(target.Name)
		if !ok {
			// Edge without a declared spec: only the exact plugin was acceptable
			blocked = append(blocked, dependent.String())
			continue
		}

		candidates := make([]*jobstore.Plugin, 0, len(universe))
		for _, c := range universe {
			if c.ID != dependent.ID {
				candidates = append(candidates, c)
			}
		}

		sub, ok := FindSubstitute(req, candidates, target.ID)
		if !ok {
			blocked = append(blocked, dependent.String())
			continue
		}
		plan.Rewrites = append(plan.Rewrites, Rewrite{Dependent: dependent, Substitute: sub})
	}

	if len(blocked) > 0 {
		return nil, &StillRequiredError{Target: target.String(), Dependents: blocked}
	}
	return plan, nil
}
