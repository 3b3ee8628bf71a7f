package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lfedgeai/spear/runtime/errs"
	"github.com/lfedgeai/spear/runtime/eventbus"
	"github.com/lfedgeai/spear/runtime/registry"
	spearletsync "github.com/lfedgeai/spear/spearlet/sync"
)

// ArtifactFetcher downloads artifact content from an http(s) URI. The
// default uses http.DefaultClient; tests and air-gapped deployments swap
// it out.
type ArtifactFetcher func(ctx context.Context, url string) ([]byte, error)

func defaultArtifactFetcher(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUnavailable, "fetch %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Wrap(errs.ErrUnavailable, "fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ControlPlane is the in-process implementation of the Spearlet-facing RPC
// surface, bound directly to a Server's registries. A networked deployment
// puts generated client/server stubs in front of the same Server; this
// adapter is what single-process tests and co-located deployments use.
type ControlPlane struct {
	srv   *Server
	fetch ArtifactFetcher
}

var _ spearletsync.SMSControlPlane = (*ControlPlane)(nil)

// NewControlPlane binds a ControlPlane to srv. fetch may be nil for the
// default HTTP fetcher.
func NewControlPlane(srv *Server, fetch ArtifactFetcher) *ControlPlane {
	if fetch == nil {
		fetch = defaultArtifactFetcher
	}
	return &ControlPlane{srv: srv, fetch: fetch}
}

func nowMS() int64 { return time.Now().UTC().UnixMilli() }

// Register implements SMSControlPlane.
func (c *ControlPlane) Register(ctx context.Context, n registry.Node) error {
	if n.UUID == "" {
		return errs.Wrap(errs.ErrValidation, "node uuid is required")
	}
	c.srv.Nodes.Register(ctx, n, nowMS())
	return nil
}

// Heartbeat implements SMSControlPlane. An unknown node returns NotFound,
// the wire-level unknown_node signal that makes the Spearlet re-register.
func (c *ControlPlane) Heartbeat(ctx context.Context, nodeUUID string, snapshot registry.ResourceSnapshot) error {
	if !c.srv.Nodes.Heartbeat(ctx, nodeUUID, nowMS(), snapshot) {
		return errs.Wrap(errs.ErrNotFound, "unknown node %q", nodeUUID)
	}
	return nil
}

// ReportNodeBackends implements SMSControlPlane.
func (c *ControlPlane) ReportNodeBackends(ctx context.Context, nodeUUID string, revision uint64, backends []registry.BackendSnapshot) error {
	if !c.srv.Nodes.ReportNodeBackends(ctx, nodeUUID, revision, backends) {
		return errs.Wrap(errs.ErrNotFound, "unknown node %q", nodeUUID)
	}
	return nil
}

// FetchTask implements SMSControlPlane.
func (c *ControlPlane) FetchTask(ctx context.Context, taskID string) (registry.Task, error) {
	t, ok := c.srv.Tasks.Get(ctx, taskID)
	if !ok {
		return registry.Task{}, errs.Wrap(errs.ErrNotFound, "task %q", taskID)
	}
	return t, nil
}

// FetchArtifact implements SMSControlPlane: resolves the artifact record
// (any version when version is empty, newest first) and its content per
// the fetch URI scheme — sms+file://<id> reads from the file service,
// http(s):// downloads.
func (c *ControlPlane) FetchArtifact(ctx context.Context, artifactID, version string) (registry.Artifact, []byte, error) {
	art, ok := c.lookupArtifact(ctx, artifactID, version)
	if !ok {
		return registry.Artifact{}, nil, errs.Wrap(errs.ErrNotFound, "artifact %q@%q", artifactID, version)
	}

	content, err := c.resolveContent(ctx, art.FetchURI)
	if err != nil {
		return registry.Artifact{}, nil, err
	}
	return art, content, nil
}

func (c *ControlPlane) lookupArtifact(ctx context.Context, artifactID, version string) (registry.Artifact, bool) {
	if version != "" {
		return c.srv.Artifacts.Get(ctx, artifactID, version)
	}
	var best registry.Artifact
	var found bool
	for _, a := range c.srv.Artifacts.List(ctx) {
		if a.ID != artifactID {
			continue
		}
		if !found || a.UpdatedAtMS > best.UpdatedAtMS {
			best = a
			found = true
		}
	}
	return best, found
}

const smsFileScheme = "sms+file://"

func (c *ControlPlane) resolveContent(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, smsFileScheme):
		return c.srv.Files.Content(ctx, strings.TrimPrefix(uri, smsFileScheme))
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return c.fetch(ctx, uri)
	default:
		return nil, errs.Wrap(errs.ErrValidation, "unsupported artifact uri scheme in %q", uri)
	}
}

// ListMCPServers implements SMSControlPlane.
func (c *ControlPlane) ListMCPServers(ctx context.Context) ([]registry.MCPServerRecord, uint64, error) {
	return c.srv.MCP.List(ctx), c.srv.MCPRevision(), nil
}

// WatchMCPServers implements SMSControlPlane: replays the type.mcp event
// stream and filters to revisions newer than sinceRevision, then stays
// live. Deletes are carried on the stream too but the replication contract
// is upsert-shaped; removed servers age out on the next full resync.
func (c *ControlPlane) WatchMCPServers(ctx context.Context, sinceRevision uint64) (<-chan registry.MCPServerRecord, context.CancelFunc, error) {
	var fromStart uint64
	envs, cancel, err := c.srv.Bus.Subscribe(ctx, eventbus.TypeStream(eventbus.ResourceMCP), &fromStart)
	if err != nil {
		return nil, nil, fmt.Errorf("sms: watch mcp servers: %w", err)
	}

	out := make(chan registry.MCPServerRecord, 16)
	go func() {
		defer close(out)
		for env := range envs {
			if env.Op == eventbus.OpDelete {
				continue
			}
			var rec registry.MCPServerRecord
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				continue
			}
			if rec.Revision <= sinceRevision {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
