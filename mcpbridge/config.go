package mcpbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lfedgeai/spear/runtime/registry"
)

// serverFile is one MCP server's declarative config file shape, SMS loads
// a directory of these at startup (spec.md §6's "MCP registry file
// format"). Env references in Command/Args/Env/URL/Headers/AuthRef are
// expanded via ExpandEnv before the record is built.
type serverFile struct {
	ServerID       string            `yaml:"server_id"`
	DisplayName    string            `yaml:"display_name"`
	Transport      string            `yaml:"transport"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Cwd            string            `yaml:"cwd"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	AuthRef        string            `yaml:"auth_ref"`
	ToolNamespace  string            `yaml:"tool_namespace"`
	AllowedTools   []string          `yaml:"allowed_tools"`
	ApprovalPolicy string            `yaml:"approval_policy"`
	Budgets        struct {
		PerCallTimeoutMS int `yaml:"per_call_timeout_ms"`
		MaxConcurrency   int `yaml:"max_concurrency"`
		MaxOutputBytes   int `yaml:"max_output_bytes"`
	} `yaml:"budgets"`
}

const (
	defaultPerCallTimeout = 30 * time.Second
	defaultMaxConcurrency = 4
	defaultMaxOutputBytes = 64 * 1024
)

// ExcludedServer names a config file the loader skipped because a required
// "${ENV:NAME}" reference had no value: per the registry file contract the
// server is excluded from injection without failing the other servers in
// the directory.
type ExcludedServer struct {
	Path       string
	ServerID   string
	MissingEnv []string
}

// LoadConfigDir reads every *.yaml/*.yml file under dir and decodes it
// into a registry.MCPServerRecord, applying ExpandEnv to every
// env-referencing field. Servers with unresolved required env references
// come back in excluded instead of the record list. Revision is seeded at
// 1 for a freshly loaded record; callers that reload the same directory
// should bump it themselves before Upsert so the registry's
// last-writer-wins merge (Revision >= cur.Revision) doesn't silently drop
// the reload.
func LoadConfigDir(dir string) ([]registry.MCPServerRecord, []ExcludedServer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("mcpbridge: read config dir %q: %w", dir, err)
	}
	var out []registry.MCPServerRecord
	var excluded []ExcludedServer
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rec, missing, err := loadServerFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("mcpbridge: %s: %w", path, err)
		}
		if len(missing) > 0 {
			excluded = append(excluded, ExcludedServer{Path: path, ServerID: rec.ServerID, MissingEnv: missing})
			continue
		}
		out = append(out, rec)
	}
	return out, excluded, nil
}

func loadServerFile(path string) (registry.MCPServerRecord, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return registry.MCPServerRecord{}, nil, err
	}
	var sf serverFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return registry.MCPServerRecord{}, nil, fmt.Errorf("decode: %w", err)
	}
	if sf.ServerID == "" {
		return registry.MCPServerRecord{}, nil, fmt.Errorf("server_id is required")
	}

	var missing []string
	for _, s := range append([]string{sf.Command, sf.Cwd, sf.URL, sf.AuthRef}, sf.Args...) {
		missing = append(missing, UnresolvedEnvRefs(s)...)
	}
	for _, v := range sf.Env {
		missing = append(missing, UnresolvedEnvRefs(v)...)
	}
	for _, v := range sf.Headers {
		missing = append(missing, UnresolvedEnvRefs(v)...)
	}
	if len(missing) > 0 {
		return registry.MCPServerRecord{ServerID: sf.ServerID}, missing, nil
	}

	var kind registry.MCPTransportKind
	switch sf.Transport {
	case "stdio", "":
		kind = registry.MCPTransportStdio
	case "streamable_http":
		kind = registry.MCPTransportStreamableHTTP
	default:
		return registry.MCPServerRecord{}, nil, fmt.Errorf("unknown transport %q", sf.Transport)
	}

	args := make([]string, len(sf.Args))
	for i, a := range sf.Args {
		args[i] = ExpandEnv(a)
	}

	timeout := defaultPerCallTimeout
	if sf.Budgets.PerCallTimeoutMS > 0 {
		timeout = time.Duration(sf.Budgets.PerCallTimeoutMS) * time.Millisecond
	}
	concurrency := sf.Budgets.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultMaxConcurrency
	}
	maxOutput := sf.Budgets.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	return registry.MCPServerRecord{
		ServerID:    sf.ServerID,
		DisplayName: sf.DisplayName,
		Transport: registry.MCPTransport{
			Kind:    kind,
			Command: ExpandEnv(sf.Command),
			Args:    args,
			Env:     ExpandEnvMap(sf.Env),
			Cwd:     ExpandEnv(sf.Cwd),
			URL:     ExpandEnv(sf.URL),
			Headers: ExpandEnvMap(sf.Headers),
			AuthRef: ExpandEnv(sf.AuthRef),
		},
		ToolNamespace:  sf.ToolNamespace,
		AllowedTools:   sf.AllowedTools,
		ApprovalPolicy: sf.ApprovalPolicy,
		Budgets: registry.MCPBudgets{
			PerCallTimeout: timeout,
			MaxConcurrency: concurrency,
			MaxOutputBytes: maxOutput,
		},
		Revision: 1,
	}, nil, nil
}
