package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/internal/httpclient"
	"github.com/teranos/harvest/jobstore"
)

func TestIsRemoteArchive(t *testing.T) {
	assert.True(t, IsRemoteArchive("https://example.com/vcsshark.tar.gz"))
	assert.True(t, IsRemoteArchive("HTTP://example.com/vcsshark.zip"))
	assert.False(t, IsRemoteArchive("/srv/plugins/vcsshark.tar.gz"))
	assert.False(t, IsRemoteArchive("ftp://example.com/vcsshark.zip"))
}

func TestFetchArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plugins/vcsshark_1.0.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("packed"))
	}))
	defer srv.Close()

	ctx := context.Background()
	dir := t.TempDir()
	client := httpclient.New(5*time.Second, httpclient.Options{AllowPrivate: true})

	m := &jobstore.Manifest{Name: "vcsshark", Version: "1.0.0", Archive: srv.URL + "/plugins/vcsshark_1.0.0.tar.gz"}
	require.NoError(t, FetchArchive(ctx, client, m, dir))
	assert.Equal(t, filepath.Join(dir, "vcsshark_1.0.0.tar.gz"), m.Archive)
	data, err := os.ReadFile(m.Archive)
	require.NoError(t, err)
	assert.Equal(t, "packed", string(data), "archives stay packed")

	missing := &jobstore.Manifest{Name: "vcsshark", Version: "1.1.0", Archive: srv.URL + "/plugins/nope.tar.gz"}
	err = FetchArchive(ctx, client, missing, dir)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestFetchArchive_LocalUntouched(t *testing.T) {
	m := &jobstore.Manifest{Archive: "/srv/plugins/vcsshark.tar.gz"}
	require.NoError(t, FetchArchive(context.Background(), httpclient.New(time.Second, httpclient.Options{}), m, t.TempDir()))
	assert.Equal(t, "/srv/plugins/vcsshark.tar.gz", m.Archive)
}

func TestFetchArchive_BlocksPrivateHosts(t *testing.T) {
	m := &jobstore.Manifest{Name: "x", Version: "1", Archive: "http://127.0.0.1:9/x.zip"}
	err := FetchArchive(context.Background(), httpclient.New(time.Second, httpclient.Options{}), m, t.TempDir())
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Equal(t, "http://127.0.0.1:9/x.zip", m.Archive)
}
