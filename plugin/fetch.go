package plugin

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/internal/httpclient"
	"github.com/teranos/harvest/jobstore"
)

// IsRemoteArchive reports whether a manifest archive is an http(s) URL
func IsRemoteArchive(archive string) bool {
	lower := strings.ToLower(archive)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// FetchArchive downloads the manifest's archive into dir and points the
// manifest at the local copy. Local archives are left alone.
func FetchArchive(ctx context.Context, client *httpclient.Client, m *jobstore.Manifest, dir string) error {
	if !IsRemoteArchive(m.Archive) {
		return nil
	}
	u, err := client.Validate(m.Archive)
	if err != nil {
		return errors.Wrapf(err, "archive of plugin %s_%s", m.Name, m.Version)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return errors.NewInvalidRequestError("archive URL %s names no file", m.Archive)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create archive dir %s", dir)
	}
	dst := filepath.Join(dir, name)

	hg := &getter.HttpGetter{Client: client.Client, DoNotCheckHeadFirst: true}
	gc := &getter.Client{
		Ctx:  ctx,
		Src:  u.String(),
		Dst:  dst,
		Mode: getter.ClientModeFile,
		// keep the archive packed; the backend extracts it on install
		Decompressors: map[string]getter.Decompressor{},
		Getters:       map[string]getter.Getter{"http": hg, "https": hg},
	}
	if err := gc.Get(); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to download %s", m.Archive), errors.ErrServiceUnavailable)
	}
	m.Archive = dst
	return nil
}
