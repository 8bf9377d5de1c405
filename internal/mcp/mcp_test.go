package mcp

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/deixis/p4json/internal/config"
	"github.com/deixis/p4json/internal/format"
	"github.com/deixis/p4json/internal/marshal"
	"github.com/deixis/p4json/internal/p4test"
	"github.com/deixis/p4json/internal/report"
	"github.com/deixis/p4json/internal/runner"
	"github.com/deixis/p4json/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeRunner struct {
	records []*marshal.Record
	query   []string
	input   *marshal.Record
}

func (f *fakeRunner) Run(_ context.Context, query []string, input *marshal.Record) (*runner.Result, error) {
	f.query = query
	f.input = input
	return &runner.Result{
		RunID:   "6f1c2a0e-8a43-4d36-9d0b-6a1f3f0c2b11",
		Argv:    append([]string{"p4", "-G"}, query...),
		Records: f.records,
	}, nil
}

func changes(n int) []*marshal.Record {
	out := make([]*marshal.Record, n)
	for i := range out {
		desc := "Fix build\n"
		if i%2 == 1 {
			desc = "Update docs\n"
		}
		out[i] = p4test.Record("code", []byte("stat"), "change", []byte(string(rune('0'+i%10))), "desc", []byte(desc))
	}
	return out
}

// setup creates a p4json MCP server + client over in-memory transports.
func setup(t *testing.T, cr workflow.CommandRunner) *mcp.ClientSession {
	t.Helper()
	engine := &workflow.Engine{
		Config:    &config.Config{},
		Runner:    cr,
		Formatter: &format.Formatter{},
	}
	return connect(t, NewServer(engine, report.NewLRUStore(5, report.NewDiskStore(t.TempDir()))))
}

// connect attaches a test client advertising roots to server.
func connect(t *testing.T, server *mcp.Server, roots ...*mcp.Root) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	client.AddRoots(roots...)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})

	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// runID extracts the "Run: <id>" line of a p4_query result.
func runID(t *testing.T, text string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if id, ok := strings.CutPrefix(line, "Run: "); ok {
			return id
		}
	}
	t.Fatalf("no Run: line in:\n%s", text)
	return ""
}

// --- p4_query ---

func TestQuery(t *testing.T) {
	fr := &fakeRunner{records: []*marshal.Record{p4test.Record("key", int64(1), "name", []byte("a"))}}
	cs := setup(t, fr)

	res := callTool(t, cs, "p4_query", map[string]any{"query": "info"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "Records: 1") {
		t.Errorf("expected Records: 1, got:\n%s", text)
	}
	want := "[\n    {\n        \"key\": 1,\n        \"name\": \"a\"\n    }\n]\n"
	if !strings.HasSuffix(text, want) {
		t.Errorf("expected document %q, got:\n%s", want, text)
	}
	if len(fr.query) != 1 || fr.query[0] != "info" {
		t.Errorf("query = %q, want [info]", fr.query)
	}
}

func TestQuery_Args(t *testing.T) {
	fr := &fakeRunner{}
	cs := setup(t, fr)

	res := callTool(t, cs, "p4_query", map[string]any{"args": []string{"files", "//depot/a b/..."}})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}
	if len(fr.query) != 2 || fr.query[1] != "//depot/a b/..." {
		t.Errorf("query = %q", fr.query)
	}
	if !strings.Contains(resultText(res), "Records: 0") {
		t.Errorf("expected Records: 0, got:\n%s", resultText(res))
	}
}

func TestQuery_Input(t *testing.T) {
	fr := &fakeRunner{}
	cs := setup(t, fr)

	res := callTool(t, cs, "p4_query", map[string]any{
		"query": "change -i",
		"input": map[string]any{"Change": "new", "Description": "Build Test"},
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}
	if fr.input == nil {
		t.Fatal("input was not passed to the runner")
	}
	if got, _ := fr.input.String("Description"); got != "Build Test" {
		t.Errorf("Description = %q, want %q", got, "Build Test")
	}
}

func TestQuery_Missing(t *testing.T) {
	cs := setup(t, &fakeRunner{})
	res := callTool(t, cs, "p4_query", map[string]any{"query": "  "})
	if !res.IsError {
		t.Fatalf("expected error result, got:\n%s", resultText(res))
	}
	if !strings.Contains(resultText(res), "query or args is required") {
		t.Errorf("unexpected error text: %s", resultText(res))
	}
}

func TestQuery_Truncated(t *testing.T) {
	cs := setup(t, &fakeRunner{records: changes(maxShownRecords + 3)})
	res := callTool(t, cs, "p4_query", map[string]any{"query": "changes"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "(3 more records)") {
		t.Errorf("expected truncation note, got:\n%s", text)
	}
	if !strings.Contains(text, "p4_inspect") {
		t.Errorf("expected p4_inspect hint, got:\n%s", text)
	}
}

// --- p4_inspect ---

func TestInspect_Index(t *testing.T) {
	cs := setup(t, &fakeRunner{records: changes(3)})
	id := runID(t, resultText(callTool(t, cs, "p4_query", map[string]any{"query": "changes"})))

	res := callTool(t, cs, "p4_inspect", map[string]any{"run_id": id, "index": 1})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "[1]") || !strings.Contains(text, `"desc": "Update docs\n"`) {
		t.Errorf("expected record 1, got:\n%s", text)
	}
	if !strings.Contains(text, "1 of 3 records") {
		t.Errorf("expected count line, got:\n%s", text)
	}
}

func TestInspect_IndexOutOfRange(t *testing.T) {
	cs := setup(t, &fakeRunner{records: changes(2)})
	id := runID(t, resultText(callTool(t, cs, "p4_query", map[string]any{"query": "changes"})))

	res := callTool(t, cs, "p4_inspect", map[string]any{"run_id": id, "index": 7})
	if !res.IsError {
		t.Fatalf("expected error result, got:\n%s", resultText(res))
	}
}

func TestInspect_Field(t *testing.T) {
	cs := setup(t, &fakeRunner{records: changes(4)})
	id := runID(t, resultText(callTool(t, cs, "p4_query", map[string]any{"query": "changes"})))

	res := callTool(t, cs, "p4_inspect", map[string]any{"run_id": id, "field": "desc", "contains": "Fix"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "2 of 4 records") {
		t.Errorf("expected 2 matches, got:\n%s", text)
	}
	if !strings.Contains(text, "[0]") || !strings.Contains(text, "[2]") || strings.Contains(text, "[1]") {
		t.Errorf("expected records 0 and 2, got:\n%s", text)
	}

	res = callTool(t, cs, "p4_inspect", map[string]any{"run_id": id, "field": "desc", "contains": "Release"})
	if res.IsError || !strings.Contains(resultText(res), "No records") {
		t.Errorf("expected no matches, got:\n%s", resultText(res))
	}
}

func TestInspect_UnknownRun(t *testing.T) {
	cs := setup(t, &fakeRunner{})
	res := callTool(t, cs, "p4_inspect", map[string]any{"run_id": "0b0e4c55-4a8b-4b53-9a3a-1f2e3d4c5b6a", "index": 0})
	if !res.IsError {
		t.Fatalf("expected error result, got:\n%s", resultText(res))
	}
	if !strings.Contains(resultText(res), "Failed to load run") {
		t.Errorf("unexpected error text: %s", resultText(res))
	}
}

func TestInspect_NeedsSelector(t *testing.T) {
	cs := setup(t, &fakeRunner{})
	res := callTool(t, cs, "p4_inspect", map[string]any{"run_id": "anything"})
	if !res.IsError || !strings.Contains(resultText(res), "index or field is required") {
		t.Errorf("expected selector error, got:\n%s", resultText(res))
	}
}

// TestQuery_RealRunner drives the server against a stand-in p4 script that
// writes a marshalled record, with the runner in exec mode.
func TestQuery_RealRunner(t *testing.T) {
	p4 := p4test.New(t, p4test.Encode(t, p4test.Record("code", []byte("stat"), "userName", []byte("bob"))), 0)

	cs := setup(t, &runner.Runner{Binary: p4.Bin})
	res := callTool(t, cs, "p4_query", map[string]any{"query": "users 'bob;rm'"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, `"userName": "bob"`) {
		t.Errorf("expected record in output, got:\n%s", text)
	}
	if got, want := p4.Args(t), []string{"-G", "users", "bob;rm"}; !slices.Equal(got, want) {
		t.Errorf("p4 args = %q, want %q", got, want)
	}
}

func TestQuery_ConfigFromRoots(t *testing.T) {
	p4 := p4test.New(t, p4test.Encode(t, p4test.Record("code", []byte("stat"), "clientName", []byte("bob-ws"))), 0)
	p4.WriteConfig(t, "user: bob\nshell: true\nindent: 2\n")

	// The server starts with a binary that does not exist; only the
	// .p4json in the client's root makes the query runnable.
	r := &runner.Runner{Binary: filepath.Join(t.TempDir(), "missing-p4")}
	engine := &workflow.Engine{Config: &config.Config{}, Runner: r, Formatter: &format.Formatter{}}
	server := NewServer(engine, report.NewLRUStore(5, report.NewDiskStore(t.TempDir())), WithRootsConfig(r))
	cs := connect(t, server, &mcp.Root{URI: "file://" + p4.Dir})

	res := callTool(t, cs, "p4_query", map[string]any{"query": "info; touch marker"})
	text := resultText(res)
	if res.IsError {
		t.Fatalf("unexpected error: %s", text)
	}
	if got, want := p4.Args(t), []string{"-G", "-u", "bob", "info;", "touch", "marker"}; !slices.Equal(got, want) {
		t.Errorf("p4 args = %q, want %q", got, want)
	}
	if !strings.Contains(text, "\n  {\n    \"code\": \"stat\"") {
		t.Errorf("expected 2-space indent from .p4json, got:\n%s", text)
	}
	if _, err := os.Stat(filepath.Join(p4.Dir, "marker")); err == nil {
		t.Error("query from an MCP client was run through a shell")
	}
	if r.Binary == p4.Bin {
		t.Error("roots config modified the shared runner")
	}
}

func TestInstructions(t *testing.T) {
	if !strings.Contains(Instructions, "p4_query") || !strings.Contains(Instructions, "p4_inspect") {
		t.Error("instructions should describe both tools")
	}
}
