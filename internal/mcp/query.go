package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/p4json/internal/marshal"
	"github.com/deixis/p4json/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type queryParams struct {
	Query string         `json:"query,omitempty" jsonschema:"p4 command and arguments without -G, e.g. changes -s submitted -m 5 //depot/..."`
	Args  []string       `json:"args,omitempty" jsonschema:"p4 command and arguments as separate words; used instead of query when set"`
	Input map[string]any `json:"input,omitempty" jsonschema:"form fields sent on standard input, for -i commands such as change -i"`
}

// maxShownRecords caps how many records a p4_query result prints inline.
const maxShownRecords = 50

func (h *handler) queryHandler(ctx context.Context, req *mcp.CallToolRequest, params queryParams) (*mcp.CallToolResult, any, error) {
	query := params.Args
	if len(query) == 0 {
		if strings.TrimSpace(params.Query) == "" {
			return errorResult("query or args is required")
		}
		query = []string{params.Query}
	}

	var input *marshal.Record
	if params.Input != nil {
		var err error
		input, err = workflow.InputRecord(params.Input)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid input: %v", err))
		}
	}

	result, err := h.currentEngine(ctx).Query(ctx, query, input)
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err))
	}

	// Save results for p4_inspect.
	_ = h.store.Save(result.Run)

	return textResult(formatQuery(result))
}

func formatQuery(result *workflow.QueryResult) string {
	run := result.Run
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s\n", run.ID)
	fmt.Fprintf(&b, "Records: %d\n", run.Count())
	if run.ExitCode != 0 {
		fmt.Fprintf(&b, "p4 exit code: %d\n", run.ExitCode)
	}
	fmt.Fprintln(&b)

	if run.Count() <= maxShownRecords {
		b.Write(result.Document)
		return b.String()
	}

	fmt.Fprintf(&b, "First %d records:\n", maxShownRecords)
	for _, raw := range run.Records[:maxShownRecords] {
		fmt.Fprintf(&b, "%s\n", raw)
	}
	fmt.Fprintf(&b, "\n... (%d more records)\n", run.Count()-maxShownRecords)
	fmt.Fprintf(&b, "Inspect with p4_inspect(run_id=%q, index=N) or p4_inspect(run_id=%q, field=\"<name>\", contains=\"<text>\").\n", run.ID, run.ID)
	return b.String()
}
