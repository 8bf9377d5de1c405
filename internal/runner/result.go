package runner

import "github.com/deixis/p4json/internal/marshal"

// Result holds the outcome of a query.
type Result struct {
	RunID    string            // unique identifier for this run
	Argv     []string          // command that was executed
	Records  []*marshal.Record // decoded records, in emission order
	ExitCode int               // p4 exit code; -1 if it could not be determined
}
