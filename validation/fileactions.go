package validation

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/teranos/harvest/collected"
	"github.com/teranos/harvest/errors"
)

// FileActionRecord is a file change recomputed from the repository
type FileActionRecord struct {
	Path         string
	Mode         string // A D M R C I U T X
	SizeAtCommit int64
	LinesAdded   int64
	LinesDeleted int64
	IsBinary     bool
}

func (r FileActionRecord) String() string {
	return fmt.Sprintf("%s (%s)", r.Path, r.Mode)
}

// FileActionCheck is the outcome of matching one commit's file actions
type FileActionCheck struct {
	Validated int
	Unmatched []string // stored, not reproduced
	Missing   []string // reproduced, not stored
}

// OK reports whether every stored and recomputed action was paired
func (c FileActionCheck) OK() bool {
	return len(c.Unmatched) == 0 && len(c.Missing) == 0
}

// RecomputeFileActions diffs c against each parent with rename detection at
// similarity percent. A root commit yields its whole tree as additions.
// root reports which case applied.
func RecomputeFileActions(ctx context.Context, c *object.Commit, similarity int) (records []FileActionRecord, root bool, err error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to load tree of %s", c.Hash)
	}

	if c.NumParents() == 0 {
		err := tree.Files().ForEach(func(f *object.File) error {
			records = append(records, FileActionRecord{Path: f.Name, Mode: "A", SizeAtCommit: f.Size})
			return nil
		})
		if err != nil {
			return nil, true, errors.Wrapf(err, "failed to list files of %s", c.Hash)
		}
		return records, true, nil
	}

	opts := &object.DiffTreeOptions{DetectRenames: true, RenameScore: uint(similarity)}
	err = c.Parents().ForEach(func(parent *object.Commit) error {
		// one record per path and parent
		checked := make(map[string]bool)
		parentTree, err := parent.Tree()
		if err != nil {
			return errors.Wrapf(err, "failed to load tree of %s", parent.Hash)
		}
		changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, opts)
		if err != nil {
			return errors.Wrapf(err, "failed to diff %s against %s", c.Hash, parent.Hash)
		}
		for _, ch := range changes {
			rec, err := changeRecord(ctx, ch)
			if err != nil {
				return err
			}
			if checked[rec.Path] {
				continue
			}
			checked[rec.Path] = true
			records = append(records, rec)
		}
		return nil
	})
	return records, false, err
}

func changeRecord(ctx context.Context, ch *object.Change) (FileActionRecord, error) {
	action, err := ch.Action()
	if err != nil {
		return FileActionRecord{}, errors.Wrap(err, "failed to classify change")
	}

	rec := FileActionRecord{Path: ch.To.Name, Mode: "X"}
	if rec.Path == "" {
		rec.Path = ch.From.Name
	}
	switch action {
	case merkletrie.Insert:
		rec.Mode = "A"
	case merkletrie.Delete:
		rec.Mode = "D"
	case merkletrie.Modify:
		switch {
		case ch.From.Name != ch.To.Name:
			rec.Mode = "R"
		case entryKind(ch.From.TreeEntry.Mode) != entryKind(ch.To.TreeEntry.Mode):
			rec.Mode = "T"
		default:
			rec.Mode = "M"
		}
	}

	_, to, err := ch.Files()
	if err != nil {
		return rec, errors.Wrapf(err, "failed to load blobs of %s", rec.Path)
	}
	if to != nil {
		rec.SizeAtCommit = to.Size
	}

	patch, err := ch.PatchContext(ctx)
	if err != nil {
		return rec, errors.Wrapf(err, "failed to compute patch of %s", rec.Path)
	}
	for _, st := range patch.Stats() {
		rec.LinesAdded += int64(st.Addition)
		rec.LinesDeleted += int64(st.Deletion)
	}
	for _, fp := range patch.FilePatches() {
		if fp.IsBinary() {
			rec.IsBinary = true
		}
	}
	return rec, nil
}

func entryKind(m filemode.FileMode) int {
	switch m {
	case filemode.Symlink:
		return 1
	case filemode.Submodule:
		return 2
	case filemode.Dir:
		return 3
	}
	return 0
}

// sameMode compares a stored mode with a recomputed one. Copies are never
// detected on recompute and show up as additions.
func sameMode(stored, recomputed string) bool {
	return stored == recomputed || (stored == "C" && recomputed == "A")
}

// MatchFileActions pairs recomputed records with stored actions of the same
// commit. Root commits match on path and mode only since sizes and line
// counts of an initial import never line up.
func MatchFileActions(records []FileActionRecord, stored []*collected.FileAction, root bool) FileActionCheck {
	var check FileActionCheck
	used := make([]bool, len(stored))

	for _, rec := range records {
		matched := false
		for i, fa := range stored {
			if used[i] || fa.Path != rec.Path || !sameMode(fa.Mode, rec.Mode) {
				continue
			}
			if !root && (fa.SizeAtCommit != rec.SizeAtCommit || fa.LinesAdded != rec.LinesAdded ||
				fa.LinesDeleted != rec.LinesDeleted || fa.IsBinary != rec.IsBinary) {
				continue
			}
			used[i] = true
			matched = true
			check.Validated++
			break
		}
		if !matched {
			check.Missing = append(check.Missing, rec.String())
		}
	}

	for i, fa := range stored {
		if !used[i] {
			check.Unmatched = append(check.Unmatched, fmt.Sprintf("%s (%s)", fa.Path, fa.Mode))
		}
	}
	return check
}
