// Package runner executes p4 with marshalled output (-G) and decodes the
// records it writes to standard output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/deixis/p4json/internal/marshal"
)

// DefaultBinary is used when Runner.Binary is empty.
const DefaultBinary = "p4"

// RecordDecoder reads one record at a time. Decode returns io.EOF once the
// stream ends cleanly; any other error means the stream is malformed.
// Implemented by marshal.Decoder.
type RecordDecoder interface {
	Decode() (*marshal.Record, error)
}

// Runner runs p4 queries.
//
// In shell mode (the default for callers that set Shell) a single query
// string is pasted into the command line "p4 -G <query>" and handed to
// sh without escaping or validation. Shell metacharacters in the query
// are interpreted by the shell; callers must only pass trusted input.
// With Shell unset, or when the query has more than one argument, p4 is
// executed directly and no shell is involved.
type Runner struct {
	Binary  string        // p4 executable; DefaultBinary when empty
	Globals []string      // global options placed before the query, e.g. -u bob
	Shell   bool          // run single-string queries through sh -c
	Dir     string        // working directory; inherited when empty
	Timeout time.Duration // zero means no timeout
	Stderr  io.Writer     // child stderr; os.Stderr when nil
}

// Run executes the query and decodes every record p4 writes. If input is
// non-nil it is marshalled onto p4's standard input, as `-i` commands
// expect with -G.
//
// The child's exit status is recorded in the result but is not an error:
// a failing p4 shows up as no records or as a decode failure. On a decode
// failure the child is killed and the returned result holds the records
// decoded before it.
func (r *Runner) Run(ctx context.Context, query []string, input *marshal.Record) (*Result, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query")
	}

	argv, err := r.Command(query)
	if err != nil {
		return nil, err
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	runID := uuid.New().String()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if input != nil {
		var stdin bytes.Buffer
		if err := marshal.NewEncoder(&stdin).Encode(input); err != nil {
			return nil, fmt.Errorf("encoding input: %w", err)
		}
		cmd.Stdin = &stdin
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", argv[0], err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executing %s: %w", argv[0], err)
	}

	records, decodeErr := Collect(stdout, marshal.NewDecoder(stdout))
	if decodeErr != nil {
		// The output is already unusable; do not wait for p4 to finish.
		_ = cmd.Process.Kill()
	}

	exitCode := 0
	if waitErr := cmd.Wait(); waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	res := &Result{
		RunID:    runID,
		Argv:     argv,
		Records:  records,
		ExitCode: exitCode,
	}
	if decodeErr != nil {
		return res, fmt.Errorf("decoding %s output: %w", r.binary(), decodeErr)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("running %s: %w", r.binary(), err)
	}
	return res, nil
}

// Collect decodes records until dec reports io.EOF, then closes rc.
// rc is closed exactly once whether decoding succeeds or fails. The
// records decoded before a failure are returned with the error.
func Collect(rc io.Closer, dec RecordDecoder) ([]*marshal.Record, error) {
	defer func() { _ = rc.Close() }()

	var records []*marshal.Record
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, rec)
	}
}

// Command returns the argv that Run executes for query.
func (r *Runner) Command(query []string) ([]string, error) {
	if r.Shell && len(query) == 1 {
		parts := []string{shellQuote(r.binary()), "-G"}
		for _, g := range r.Globals {
			parts = append(parts, shellQuote(g))
		}
		parts = append(parts, query[0])
		return []string{"sh", "-c", strings.Join(parts, " ")}, nil
	}

	args := query
	if len(query) == 1 {
		words, err := shlex.Split(query[0])
		if err != nil {
			return nil, fmt.Errorf("parsing query %q: %w", query[0], err)
		}
		args = words
	}

	argv := []string{r.binary(), "-G"}
	argv = append(argv, r.Globals...)
	argv = append(argv, args...)
	return argv, nil
}

func (r *Runner) binary() string {
	if r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

// shellQuote single-quotes s unless it consists only of characters the
// shell treats literally.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:@%+=,", r)
}
