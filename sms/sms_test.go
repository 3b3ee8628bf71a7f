package sms

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(Options{HeartbeatTimeout: time.Second, CleanupInterval: time.Hour})
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func TestControlPlane_HeartbeatUnknownNode(t *testing.T) {
	srv := newTestServer(t)
	cp := NewControlPlane(srv, nil)

	err := cp.Heartbeat(context.Background(), "ghost", registry.ResourceSnapshot{})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, cp.Register(context.Background(), registry.Node{UUID: "n1", Address: "127.0.0.1:7000"}))
	assert.NoError(t, cp.Heartbeat(context.Background(), "n1", registry.ResourceSnapshot{CPUPercent: 10}))

	n, ok := srv.Nodes.Get(context.Background(), "n1")
	require.True(t, ok)
	assert.True(t, n.Online)
	assert.Equal(t, float64(10), n.Resources.CPUPercent)
}

func TestControlPlane_FetchArtifactViaFileService(t *testing.T) {
	srv := newTestServer(t)
	cp := NewControlPlane(srv, nil)
	ctx := context.Background()

	_, err := srv.Files.Put(ctx, registry.File{ID: "f1", Name: "task.wasm", ContentType: "application/wasm", UpdatedAtMS: 1}, []byte{0x00, 0x61, 0x73, 0x6d, 0x01})
	require.NoError(t, err)
	srv.Artifacts.Register(ctx, registry.Artifact{ID: "a1", Version: "v1", Kind: registry.ArtifactWasm, FetchURI: "sms+file://f1", UpdatedAtMS: 1})

	art, content, err := cp.FetchArtifact(ctx, "a1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "a1", art.ID)
	assert.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d, 0x01}, content)

	// Empty version resolves to the newest record for the id.
	srv.Artifacts.Register(ctx, registry.Artifact{ID: "a1", Version: "v2", Kind: registry.ArtifactWasm, FetchURI: "sms+file://f1", UpdatedAtMS: 2})
	art, _, err = cp.FetchArtifact(ctx, "a1", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", art.Version)
}

func TestControlPlane_FetchArtifactRejectsUnknownScheme(t *testing.T) {
	srv := newTestServer(t)
	cp := NewControlPlane(srv, nil)
	ctx := context.Background()

	srv.Artifacts.Register(ctx, registry.Artifact{ID: "a1", Version: "v1", FetchURI: "ftp://example.com/a1", UpdatedAtMS: 1})
	_, _, err := cp.FetchArtifact(ctx, "a1", "v1")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestControlPlane_FetchArtifactHTTPUsesFetcher(t *testing.T) {
	srv := newTestServer(t)
	fetched := ""
	cp := NewControlPlane(srv, func(ctx context.Context, url string) ([]byte, error) {
		fetched = url
		return []byte("blob"), nil
	})
	ctx := context.Background()

	srv.Artifacts.Register(ctx, registry.Artifact{ID: "a2", Version: "v1", FetchURI: "https://artifacts.example.com/a2", UpdatedAtMS: 1})
	_, content, err := cp.FetchArtifact(ctx, "a2", "v1")
	require.NoError(t, err)
	assert.Equal(t, "blob", string(content))
	assert.Equal(t, "https://artifacts.example.com/a2", fetched)
}

func TestServer_LoadMCPConfigDirStampsRevisionsAndExcludes(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fs.yaml"), []byte("server_id: fs\ncommand: fs-server\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jira.yaml"), []byte("server_id: jira\ntransport: streamable_http\nurl: \"${ENV:SPEAR_TEST_UNSET_TOKEN}\"\n"), 0o600))

	n, err := srv.LoadMCPConfigDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := srv.MCP.Get(context.Background(), "fs")
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Revision)
	_, ok = srv.MCP.Get(context.Background(), "jira")
	assert.False(t, ok)
}

func TestControlPlane_WatchMCPServersFiltersByRevision(t *testing.T) {
	srv := newTestServer(t)
	cp := NewControlPlane(srv, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rev1 := srv.UpsertMCPServer(ctx, registry.MCPServerRecord{ServerID: "old"})

	ch, stop, err := cp.WatchMCPServers(ctx, rev1)
	require.NoError(t, err)
	defer stop()

	srv.UpsertMCPServer(ctx, registry.MCPServerRecord{ServerID: "fresh"})

	select {
	case rec := <-ch:
		assert.Equal(t, "fresh", rec.ServerID)
		assert.Greater(t, rec.Revision, rev1)
	case <-ctx.Done():
		t.Fatal("watch did not deliver the new server record")
	}
}

func TestControlPlane_ListMCPServersCarriesRevision(t *testing.T) {
	srv := newTestServer(t)
	cp := NewControlPlane(srv, nil)
	ctx := context.Background()

	srv.UpsertMCPServer(ctx, registry.MCPServerRecord{ServerID: "fs"})
	srv.UpsertMCPServer(ctx, registry.MCPServerRecord{ServerID: "jira"})

	recs, rev, err := cp.ListMCPServers(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, uint64(2), rev)
}
