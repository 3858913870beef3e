// Package schemagraph derives the reference graph between collected-data
// collections from the plugin schema registry and walks it to count or
// cascade-delete everything hanging off one root document.
package schemagraph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/errors"
)

// RootCollection is where project-level walks start
const RootCollection = collected.CollectionProject

// Graph maps a collection to the collections that reference it directly
type Graph map[string][]string

// LatestSchemas keeps the highest version of each plugin's schema, sorted by plugin name
func LatestSchemas(docs []collected.PluginSchema) []collected.PluginSchema {
	latest := make(map[string]collected.PluginSchema)
	for _, d := range docs {
		name, version := d.NameVersion()
		cur, ok := latest[name]
		if !ok {
			latest[name] = d
			continue
		}
		_, curVersion := cur.NameVersion()
		if newerVersion(version, curVersion) {
			latest[name] = d
		}
	}

	out := make([]collected.PluginSchema, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

func newerVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a > b
	}
	return va.GreaterThan(vb)
}

// referencing lists, in registry order, the collections with a field pointing at target
func referencing(schemas []collected.PluginSchema, target string) []string {
	var out []string
	for _, s := range schemas {
		for _, c := range s.Collections {
			if c.CollectionName == target {
				continue
			}
			for _, f := range c.Fields {
				if f.ReferenceTo == target {
					out = append(out, c.CollectionName)
					break
				}
			}
		}
	}
	return out
}

// referenceField is the first field of collection pointing at target
func referenceField(schemas []collected.PluginSchema, collection, target string) string {
	for _, s := range schemas {
		for _, c := range s.Collections {
			if c.CollectionName != collection {
				continue
			}
			for _, f := range c.Fields {
				if f.ReferenceTo == target {
					return f.FieldName
				}
			}
		}
	}
	return ""
}

// BuildGraph walks breadth first from root. A collection is attached to the
// first collection that discovers it; every reached collection has an entry,
// leaves with an empty list.
func BuildGraph(schemas []collected.PluginSchema, root string) Graph {
	graph := Graph{}
	open := []string{root}
	seen := map[string]bool{root: true}

	for len(open) > 0 {
		current := open[0]
		open = open[1:]
		if _, ok := graph[current]; !ok {
			graph[current] = []string{}
		}

		for _, found := range referencing(schemas, current) {
			if seen[found] {
				continue
			}
			seen[found] = true
			open = append(open, found)
			graph[current] = append(graph[current], found)
		}
	}
	return graph
}

// Reference is a node of the deletion tree: documents of Collection whose
// Field holds the id of a parent document
type Reference struct {
	Collection string
	Field      string
	Children   []*Reference
	Count      int64
}

// BuildTree turns graph into a reference tree rooted at root.
// The root node has no field; it stands for the root document itself.
func BuildTree(graph Graph, schemas []collected.PluginSchema, root string) *Reference {
	tree := &Reference{Collection: root}
	type frame struct{ node *Reference }
	stack := []frame{{tree}}
	placed := map[string]bool{root: true}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, child := range graph[f.node.Collection] {
			if placed[child] {
				continue
			}
			placed[child] = true
			ref := &Reference{
				Collection: child,
				Field:      referenceField(schemas, child, f.node.Collection),
			}
			f.node.Children = append(f.node.Children, ref)
			stack = append(stack, frame{ref})
		}
	}
	return tree
}

// Store is what the walks need from the collected-data store
type Store interface {
	DistinctIDs(ctx context.Context, collection, field string, value any) ([]any, error)
	DeleteMany(ctx context.Context, collection, field string, value any) (int64, error)
}

type step struct {
	node     *Reference
	parentID any
	expanded bool
}

func rootSteps(tree *Reference, rootID any) []step {
	steps := make([]step, 0, len(tree.Children))
	for i := len(tree.Children) - 1; i >= 0; i-- {
		steps = append(steps, step{node: tree.Children[i], parentID: rootID})
	}
	return steps
}

// Count accumulates into each node the number of distinct documents
// reachable from rootID and returns the total
func Count(ctx context.Context, store Store, tree *Reference, rootID any) (int64, error) {
	var total int64
	work := rootSteps(tree, rootID)
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		s := work[len(work)-1]
		work = work[:len(work)-1]

		ids, err := store.DistinctIDs(ctx, s.node.Collection, s.node.Field, s.parentID)
		if err != nil {
			return total, errors.Wrapf(err, "failed to count %s", s.node.Collection)
		}
		s.node.Count += int64(len(ids))
		total += int64(len(ids))

		for _, id := range ids {
			for _, child := range s.node.Children {
				work = append(work, step{node: child, parentID: id})
			}
		}
	}
	return total, nil
}

// Delete removes everything reachable from rootID, children before the
// level that references their parent. The root document itself stays.
func Delete(ctx context.Context, store Store, tree *Reference, rootID any) (int64, error) {
	var deleted int64
	work := rootSteps(tree, rootID)
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		s := work[len(work)-1]
		work = work[:len(work)-1]

		if s.expanded {
			n, err := store.DeleteMany(ctx, s.node.Collection, s.node.Field, s.parentID)
			if err != nil {
				return deleted, errors.Wrapf(err, "failed to delete from %s", s.node.Collection)
			}
			deleted += n
			continue
		}

		ids, err := store.DistinctIDs(ctx, s.node.Collection, s.node.Field, s.parentID)
		if err != nil {
			return deleted, errors.Wrapf(err, "failed to collect %s", s.node.Collection)
		}
		s.node.Count += int64(len(ids))

		s.expanded = true
		work = append(work, s)
		for _, id := range ids {
			for _, child := range s.node.Children {
				work = append(work, step{node: child, parentID: id})
			}
		}
	}
	return deleted, nil
}

// Line is one rendered tree node at its depth
type Line struct {
	Depth int
	Text  string
}

// Lines flattens tree depth first for display
func Lines(tree *Reference) []Line {
	var out []Line
	type frame struct {
		node  *Reference
		depth int
	}
	stack := []frame{{tree, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		text := f.node.Collection
		if f.node.Field != "" {
			text = fmt.Sprintf("%s --> %s (%d)", f.node.Collection, f.node.Field, f.node.Count)
		}
		out = append(out, Line{Depth: f.depth, Text: text})
		for i := len(f.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{f.node.Children[i], f.depth + 1})
		}
	}
	return out
}

// Render prints tree with two spaces of indentation per level
func Render(tree *Reference) string {
	var sb strings.Builder
	for _, l := range Lines(tree) {
		sb.WriteString(strings.Repeat("  ", l.Depth))
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}
