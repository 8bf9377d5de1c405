// Package workflow ties the runner and the formatter together. It is
// consumed by both the CLI and the MCP server.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/deixis/p4json/internal/config"
	"github.com/deixis/p4json/internal/format"
	"github.com/deixis/p4json/internal/marshal"
	"github.com/deixis/p4json/internal/report"
	"github.com/deixis/p4json/internal/runner"
)

// CommandRunner executes a p4 query and decodes its records.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, query []string, input *marshal.Record) (*runner.Result, error)
}

// Engine holds shared dependencies for running queries.
type Engine struct {
	Config    *config.Config
	Runner    CommandRunner
	Formatter *format.Formatter
}

// QueryResult is a finished query: the stored run and the JSON document
// printed for it.
type QueryResult struct {
	Run      *report.Run
	Document []byte
}

// Query runs p4 with the query and renders every record. Any failure,
// whether launching p4, decoding its output or rendering JSON, is
// returned as an error and no document is produced.
func (e *Engine) Query(ctx context.Context, query []string, input *marshal.Record) (*QueryResult, error) {
	res, err := e.Runner.Run(ctx, query, input)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, NewErrToolUnavailable(e.Config.Binary())
		}
		return nil, err
	}

	records := make([]json.RawMessage, 0, len(res.Records))
	for i, rec := range res.Records {
		raw, err := e.Formatter.RenderRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("formatting record %d: %w", i, err)
		}
		records = append(records, raw)
	}
	doc, err := e.Formatter.Array(records)
	if err != nil {
		return nil, fmt.Errorf("formatting: %w", err)
	}

	return &QueryResult{
		Run: &report.Run{
			ID:       res.RunID,
			Query:    query,
			Argv:     res.Argv,
			ExitCode: res.ExitCode,
			Records:  records,
		},
		Document: doc,
	}, nil
}

// ErrToolUnavailable is returned when the p4 executable cannot be found.
type ErrToolUnavailable struct {
	Name string
}

func NewErrToolUnavailable(name string) ErrToolUnavailable {
	return ErrToolUnavailable{Name: name}
}

func (e ErrToolUnavailable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is required but not installed.", e.Name)
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "\nInstall the Helix command-line client: https://www.perforce.com/downloads/helix-command-line-client-p4")
	fmt.Fprintf(&b, "\nor set binary: in %s to its full path.", config.FileName)
	return b.String()
}
