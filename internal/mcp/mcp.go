// Package mcp provides the p4json MCP server, registering the query tools
// and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"sync"
	"time"

	"github.com/deixis/p4json"
	"github.com/deixis/p4json/internal/config"
	"github.com/deixis/p4json/internal/format"
	"github.com/deixis/p4json/internal/report"
	"github.com/deixis/p4json/internal/runner"
	"github.com/deixis/p4json/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// rootsWait bounds how long a tool call waits for the roots config.
const rootsWait = 5 * time.Second

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mu     sync.Mutex
	engine *workflow.Engine
	runner *runner.Runner // nil unless roots may reconfigure it
	store  report.Store

	rootsOnce sync.Once
	rootsDone chan struct{} // closed once the first roots reload finished
}

// NewServer creates an MCP server with the p4json tools registered.
// Queries never go through a shell: the engine's runner should have
// Shell unset.
func NewServer(engine *workflow.Engine, store report.Store, opts ...ServerOption) *mcp.Server {
	var so serverOptions
	for _, o := range opts {
		o(&so)
	}
	h := &handler{
		engine:    engine,
		runner:    so.runner,
		store:     store,
		rootsDone: make(chan struct{}),
	}
	if h.runner == nil {
		close(h.rootsDone)
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	}
	if h.runner != nil {
		mcpOpts.InitializedHandler = func(ctx context.Context, req *mcp.InitializedRequest) {
			// ListRoots is a request back to the client; don't make the
			// notification wait for it.
			go func() {
				defer h.rootsOnce.Do(func() { close(h.rootsDone) })
				h.updateFromRoots(context.WithoutCancel(ctx), req.Session)
			}()
		}
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "p4json", Version: p4json.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "p4_query",
		Description: `Run a Perforce command with -G and return its records as JSON.

Pass the command and its arguments as query (e.g. "changes -s pending -u bob -m 10").
Arguments are split like a shell would split them but no shell runs them.
For -i commands (e.g. "change -i") pass the form fields as input.
Results are stored for drill-down via p4_inspect.`,
	}, h.queryHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "p4_inspect",
		Description: `Drill into the records of a p4_query run.

Use the run_id from p4_query with either index (a single record, 0-based)
or field plus an optional contains substring (all records whose field matches).`,
	}, h.inspectHandler)

	return s
}

// ServerOption configures the p4json MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	runner *runner.Runner
}

// WithRootsConfig lets the server reload .p4json from the client's first
// root once the session is initialized. The reloaded settings are applied
// to a copy of r, so r keeps its Shell setting.
func WithRootsConfig(r *runner.Runner) ServerOption {
	return func(o *serverOptions) {
		o.runner = r
	}
}

// currentEngine returns the engine tool calls should use. The first
// call waits, up to rootsWait, for the roots reload to finish.
func (h *handler) currentEngine(ctx context.Context) *workflow.Engine {
	select {
	case <-h.rootsDone:
	case <-ctx.Done():
	case <-time.After(rootsWait):
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine
}

// updateFromRoots queries the client for MCP roots and, if the first root
// is a local directory, swaps in an engine configured from the .p4json
// found there. The configured runner is copied, never modified, so calls
// already running keep their settings.
func (h *handler) updateFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, rootsWait)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil {
		return
	}
	cfg := loaded.Config
	policy, err := format.ParseBytesPolicy(cfg.Bytes)
	if err != nil {
		return
	}

	r := *h.runner
	r.Binary = cfg.Binary()
	r.Globals = cfg.Globals()
	r.Dir = loaded.WorkDir()
	if r.Dir == "" {
		r.Dir = u.Path
	}
	r.Timeout = cfg.Timeout()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = &workflow.Engine{
		Config:    cfg,
		Runner:    &r,
		Formatter: &format.Formatter{Indent: cfg.Indent(), Bytes: policy},
	}
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
