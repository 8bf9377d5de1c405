package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deixis/p4json/internal/report"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type inspectParams struct {
	RunID    string `json:"run_id" jsonschema:"the run ID from a p4_query result"`
	Index    *int   `json:"index,omitempty" jsonschema:"0-based index of a single record to show"`
	Field    string `json:"field,omitempty" jsonschema:"record field to match, e.g. desc or depotFile"`
	Contains string `json:"contains,omitempty" jsonschema:"substring the field must contain; empty matches every record that has the field"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	if params.Index == nil && params.Field == "" {
		return errorResult("index or field is required")
	}

	run, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	if params.Index != nil {
		raw, err := run.Record(*params.Index)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(formatInspectOutput(run, []report.Match{{Index: *params.Index, Record: raw}}))
	}

	matches, err := report.Filter(run, params.Field, params.Contains)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to filter run %s: %v", params.RunID, err))
	}
	if len(matches) == 0 {
		return textResult(fmt.Sprintf("No records in run %s have %s containing %q.", params.RunID, params.Field, params.Contains))
	}
	return textResult(formatInspectOutput(run, matches))
}

func formatInspectOutput(run *report.Run, matches []report.Match) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run: %s (%s)\n", run.ID, strings.Join(run.Query, " "))
	fmt.Fprintf(&b, "%d of %d records:\n", len(matches), run.Count())

	for _, m := range matches {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "[%d]\n", m.Index)
		var out bytes.Buffer
		if err := json.Indent(&out, m.Record, "", "    "); err != nil {
			b.Write(m.Record)
		} else {
			b.Write(out.Bytes())
		}
		fmt.Fprintln(&b)
	}

	return b.String()
}
