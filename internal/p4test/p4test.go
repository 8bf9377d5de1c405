// Package p4test provides a stand-in p4 executable and record helpers for
// tests that run real child processes.
package p4test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deixis/p4json/internal/config"
	"github.com/deixis/p4json/internal/marshal"
)

// P4 is a shell script standing in for p4 -G. Each run records its
// arguments in Dir/args and its standard input in Dir/stdin, prints
// Dir/out and exits with a fixed status.
type P4 struct {
	Bin string
	Dir string
}

// New writes a stand-in p4 into a fresh temporary directory.
func New(t testing.TB, output []byte, exitCode int) *P4 {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out"), output, 0o644); err != nil {
		t.Fatal(err)
	}
	script := fmt.Sprintf(`#!/bin/sh
for a in "$@"; do printf '%%s\n' "$a"; done > '%[1]s/args'
cat > '%[1]s/stdin'
cat '%[1]s/out'
exit %[2]d
`, dir, exitCode)
	bin := filepath.Join(dir, "p4")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return &P4{Bin: bin, Dir: dir}
}

// Args returns the arguments of the last run.
func (p *P4) Args(t testing.TB) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.Dir, "args"))
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

// Stdin returns what the last run read on standard input.
func (p *P4) Stdin(t testing.TB) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.Dir, "stdin"))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// WriteConfig writes a .p4json next to the script pointing binary at it,
// followed by extra YAML lines.
func (p *P4) WriteConfig(t testing.TB, extra string) {
	t.Helper()
	cfg := fmt.Sprintf("version: 1\nbinary: %s\n%s", p.Bin, extra)
	if err := os.WriteFile(filepath.Join(p.Dir, config.FileName), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Record builds a record from alternating keys and values.
func Record(pairs ...any) *marshal.Record {
	r := marshal.NewRecord()
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i].(string), pairs[i+1])
	}
	return r
}

// Encode marshals records the way p4 -G writes them.
func Encode(t testing.TB, records ...*marshal.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := marshal.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}
