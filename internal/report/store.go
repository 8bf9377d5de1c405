// Package report provides persistence and retrieval of query runs.
// Runs keep every record as rendered JSON so they can be queried again
// without re-running p4.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Store persists and retrieves runs.
type Store interface {
	Save(run *Run) error
	Load(runID string) (*Run, error)
}

// Run holds the structured output of one query.
type Run struct {
	ID       string            `json:"id"`
	Query    []string          `json:"query"`
	Argv     []string          `json:"argv"`
	ExitCode int               `json:"exit_code"`
	Records  []json.RawMessage `json:"records"`
}

// Count returns the number of records in the run.
func (r *Run) Count() int { return len(r.Records) }

// Record returns the record at index i.
func (r *Run) Record(i int) (json.RawMessage, error) {
	if i < 0 || i >= len(r.Records) {
		return nil, fmt.Errorf("run %s has %d records, no record %d", r.ID, len(r.Records), i)
	}
	return r.Records[i], nil
}

// Match is a record selected by Filter.
type Match struct {
	Index  int             `json:"index"`
	Record json.RawMessage `json:"record"`
}

// Filter returns the records whose field contains the given substring.
// Non-string values are compared by their JSON text. An empty substring
// selects every record that has the field.
func Filter(run *Run, field, contains string) ([]Match, error) {
	var out []Match
	for i, raw := range run.Records {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("record %d of run %s: %w", i, run.ID, err)
		}
		v, ok := fields[field]
		if !ok {
			continue
		}
		if strings.Contains(valueText(v), contains) {
			out = append(out, Match{Index: i, Record: raw})
		}
	}
	return out, nil
}

func valueText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}
