package mcpbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lfedgeai/spear/runtime/registry"
)

// defaultInitTimeout bounds a transport's connect+handshake, mirroring
// giantswarm-muster's StdioClient.DefaultStdioInitTimeout.
const defaultInitTimeout = 10 * time.Second

// transportClient is the subset of operations the bridge drives against
// an MCP server connection, grounded on muster's MCPClient interface
// (internal/mcpserver/client_interface.go) trimmed to what mcpbridge
// actually exercises: tool listing and invocation. Resources/prompts are
// out of scope per spec.md's Non-goals.
type transportClient struct {
	inner     client.MCPClient
	connected bool
}

func dial(ctx context.Context, rec registry.MCPServerRecord) (*transportClient, error) {
	switch rec.Transport.Kind {
	case registry.MCPTransportStdio:
		return dialStdio(ctx, rec)
	case registry.MCPTransportStreamableHTTP:
		return dialStreamableHTTP(ctx, rec)
	default:
		return nil, fmt.Errorf("mcpbridge: unknown transport kind %q for server %q", rec.Transport.Kind, rec.ServerID)
	}
}

func dialStdio(ctx context.Context, rec registry.MCPServerRecord) (*transportClient, error) {
	envStrings := make([]string, 0, len(rec.Transport.Env))
	for k, v := range rec.Transport.Env {
		envStrings = append(envStrings, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(rec.Transport.Command, envStrings, rec.Transport.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: start stdio server %q: %w", rec.ServerID, err)
	}
	return handshake(ctx, rec, c)
}

func dialStreamableHTTP(ctx context.Context, rec registry.MCPServerRecord) (*transportClient, error) {
	var opts []transport.StreamableHTTPCOption
	if len(rec.Transport.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(rec.Transport.Headers))
	}
	c, err := client.NewStreamableHttpClient(rec.Transport.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: dial streamable_http server %q: %w", rec.ServerID, err)
	}
	return handshake(ctx, rec, c)
}

func handshake(ctx context.Context, rec registry.MCPServerRecord, c client.MCPClient) (*transportClient, error) {
	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, defaultInitTimeout)
		defer cancel()
	}
	_, err := c.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo:      mcp.Implementation{Name: "spear-mcpbridge", Version: "1.0.0"},
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcpbridge: initialize server %q: %w", rec.ServerID, err)
	}
	return &transportClient{inner: c, connected: true}, nil
}

func (t *transportClient) Close() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.inner.Close()
}

func (t *transportClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := t.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: list tools: %w", err)
	}
	return res.Tools, nil
}

func (t *transportClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	res, err := t.inner.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: call tool %q: %w", name, err)
	}
	return res, nil
}
