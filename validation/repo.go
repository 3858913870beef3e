package validation

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/teranos/harvest/errors"
)

// tempRef is the throwaway reference a commit is checked out through
const tempRef = plumbing.ReferenceName("refs/tags/temp")

// Materializer produces a fresh repository for url in dir. It returns a nil
// repository for a remote without any commits.
type Materializer func(ctx context.Context, url, dir string) (*git.Repository, error)

// CloneRepository removes dir and clones url into it
func CloneRepository(ctx context.Context, url, dir string) (*git.Repository, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(err, "failed to clear checkout %s", dir)
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to clone %s", url)
	}
	return repo, nil
}

// UpstreamCommits walks every branch and tag of repo and returns each reachable
// commit once, keeping those committed at or before cutoff. A zero cutoff keeps all.
func UpstreamCommits(repo *git.Repository, cutoff time.Time) ([]*object.Commit, error) {
	refs, err := repo.References()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list references")
	}

	var tips []plumbing.Hash
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || ref.Name() == tempRef {
			return nil
		}
		if ref.Name().IsTag() {
			if h, ok := peelTag(repo, ref.Hash()); ok {
				tips = append(tips, h)
			}
			return nil
		}
		tips = append(tips, ref.Hash())
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to walk references")
	}

	seen := make(map[plumbing.Hash]bool)
	var out []*object.Commit
	for _, tip := range tips {
		if seen[tip] {
			continue
		}
		iter, err := repo.Log(&git.LogOptions{From: tip})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to walk history from %s", tip)
		}
		err = iter.ForEach(func(c *object.Commit) error {
			if seen[c.Hash] {
				return nil
			}
			seen[c.Hash] = true
			if cutoff.IsZero() || !c.Committer.When.After(cutoff) {
				out = append(out, c)
			}
			return nil
		})
		iter.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to walk history from %s", tip)
		}
	}
	return out, nil
}

// peelTag resolves annotated and lightweight tags to the commit they name
func peelTag(repo *git.Repository, h plumbing.Hash) (plumbing.Hash, bool) {
	if tag, err := repo.TagObject(h); err == nil {
		c, err := tag.Commit()
		if err != nil {
			return plumbing.ZeroHash, false
		}
		return c.Hash, true
	}
	if _, err := repo.CommitObject(h); err != nil {
		return plumbing.ZeroHash, false
	}
	return h, true
}

// withCheckout materializes commit h in the worktree through tempRef, runs fn,
// then restores the previous HEAD and deletes tempRef whether or not fn failed
func withCheckout(repo *git.Repository, h plumbing.Hash, fn func() error) (err error) {
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "failed to open worktree")
	}
	head, err := repo.Head()
	if err != nil {
		return errors.Wrap(err, "failed to resolve HEAD")
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(tempRef, h)); err != nil {
		return errors.Wrapf(err, "failed to create %s", tempRef)
	}
	defer func() {
		if rerr := restore(repo, wt, head); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := wt.Checkout(&git.CheckoutOptions{Hash: h, Force: true}); err != nil {
		return errors.Wrapf(err, "failed to check out %s", h)
	}
	return fn()
}

func restore(repo *git.Repository, wt *git.Worktree, head *plumbing.Reference) error {
	var errs error
	opts := &git.CheckoutOptions{Hash: head.Hash(), Force: true}
	if head.Name().IsBranch() {
		opts = &git.CheckoutOptions{Branch: head.Name(), Force: true}
	}
	if err := wt.Checkout(opts); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to restore HEAD"))
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to reset worktree"))
	}
	if err := repo.Storer.RemoveReference(tempRef); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrapf(err, "failed to delete %s", tempRef))
	}
	return errs
}

// SourceFiles lists the files under dir with one of exts, as slash separated
// paths relative to dir, skipping .git
func SourceFiles(dir string, exts []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasExtension(d.Name(), exts) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk %s", dir)
	}
	return out, nil
}

func hasExtension(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
