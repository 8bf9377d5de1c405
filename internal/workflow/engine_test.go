package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"reflect"
	"strings"
	"testing"

	"github.com/deixis/p4json/internal/config"
	"github.com/deixis/p4json/internal/format"
	"github.com/deixis/p4json/internal/marshal"
	"github.com/deixis/p4json/internal/runner"
)

type fakeRunner struct {
	res   *runner.Result
	err   error
	query []string
	input *marshal.Record
}

func (f *fakeRunner) Run(_ context.Context, query []string, input *marshal.Record) (*runner.Result, error) {
	f.query = query
	f.input = input
	return f.res, f.err
}

func newEngine(r CommandRunner) *Engine {
	return &Engine{
		Config:    &config.Config{},
		Runner:    r,
		Formatter: &format.Formatter{},
	}
}

func rec(pairs ...any) *marshal.Record {
	r := marshal.NewRecord()
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i].(string), pairs[i+1])
	}
	return r
}

func TestQuery_RendersDocument(t *testing.T) {
	fr := &fakeRunner{res: &runner.Result{
		RunID:   "run-1",
		Argv:    []string{"sh", "-c", "p4 -G info"},
		Records: []*marshal.Record{rec("key", int64(1), "name", []byte("a"))},
	}}
	e := newEngine(fr)

	res, err := e.Query(context.Background(), []string{"info"}, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := "[\n    {\n        \"key\": 1,\n        \"name\": \"a\"\n    }\n]\n"
	if string(res.Document) != want {
		t.Errorf("Document =\n%s\nwant\n%s", res.Document, want)
	}
	if res.Run.ID != "run-1" || res.Run.Count() != 1 {
		t.Errorf("Run = %+v", res.Run)
	}
	if string(res.Run.Records[0]) != `{"key":1,"name":"a"}` {
		t.Errorf("Records[0] = %s", res.Run.Records[0])
	}
	if !reflect.DeepEqual(fr.query, []string{"info"}) {
		t.Errorf("runner query = %v", fr.query)
	}
}

func TestQuery_NoRecords(t *testing.T) {
	e := newEngine(&fakeRunner{res: &runner.Result{RunID: "run-2"}})
	res, err := e.Query(context.Background(), []string{"opened"}, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if string(res.Document) != "[]\n" {
		t.Errorf("Document = %q, want %q", res.Document, "[]\n")
	}
}

func TestQuery_DecodeFailureProducesNoDocument(t *testing.T) {
	fr := &fakeRunner{
		res: &runner.Result{Records: []*marshal.Record{rec("a", "1")}},
		err: fmt.Errorf("decoding p4 output: %w", io.ErrUnexpectedEOF),
	}
	res, err := newEngine(fr).Query(context.Background(), []string{"changes"}, nil)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error = %v, want io.ErrUnexpectedEOF", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
}

func TestQuery_FormatFailure(t *testing.T) {
	fr := &fakeRunner{res: &runner.Result{Records: []*marshal.Record{rec("bad", []byte{0xff})}}}
	_, err := newEngine(fr).Query(context.Background(), []string{"fstat"}, nil)
	if !errors.Is(err, format.ErrInvalidUTF8) {
		t.Fatalf("error = %v, want format.ErrInvalidUTF8", err)
	}
}

func TestQuery_MissingBinary(t *testing.T) {
	fr := &fakeRunner{err: fmt.Errorf("executing p4: %w", exec.ErrNotFound)}
	_, err := newEngine(fr).Query(context.Background(), []string{"info"}, nil)

	var unavailable ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want ErrToolUnavailable", err)
	}
	if unavailable.Name != "p4" {
		t.Errorf("Name = %q, want p4", unavailable.Name)
	}
	if !strings.Contains(err.Error(), "Install") {
		t.Errorf("error = %q, want install hint", err)
	}
}

func TestQuery_PassesInput(t *testing.T) {
	fr := &fakeRunner{res: &runner.Result{}}
	form := rec("Change", "new")
	if _, err := newEngine(fr).Query(context.Background(), []string{"change -i"}, form); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if fr.input != form {
		t.Error("input was not passed to the runner")
	}
}

func TestParseInput(t *testing.T) {
	r, err := ParseInput(strings.NewReader(`{"Description":"Build Test\n","Change":"new","Jobs":["job1"],"Count":2,"Ratio":0.5}`))
	if err != nil {
		t.Fatalf("ParseInput: %v", err)
	}
	if got, want := r.Keys(), []string{"Change", "Count", "Description", "Jobs", "Ratio"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
	checks := map[string]any{
		"Change": "new",
		"Count":  int64(2),
		"Ratio":  0.5,
		"Jobs":   []any{"job1"},
	}
	for k, want := range checks {
		if v, _ := r.Get(k); !reflect.DeepEqual(v, want) {
			t.Errorf("%s = %#v, want %#v", k, v, want)
		}
	}
}

func TestParseInput_Invalid(t *testing.T) {
	for _, in := range []string{``, `[1,2]`, `null`, `{"a":`} {
		if _, err := ParseInput(strings.NewReader(in)); err == nil {
			t.Errorf("ParseInput(%q): expected error", in)
		}
	}
}

func TestInputRecord_DecodedNumbers(t *testing.T) {
	r, err := InputRecord(map[string]any{"Count": float64(3), "Ratio": 0.25, "Nested": map[string]any{"a": "b"}})
	if err != nil {
		t.Fatalf("InputRecord: %v", err)
	}
	if v, _ := r.Get("Count"); v != int64(3) {
		t.Errorf("Count = %#v, want int64(3)", v)
	}
	if v, _ := r.Get("Ratio"); v != 0.25 {
		t.Errorf("Ratio = %#v, want 0.25", v)
	}
	nested, _ := r.Get("Nested")
	if s, _ := nested.(*marshal.Record).String("a"); s != "b" {
		t.Errorf("Nested.a = %q, want b", s)
	}
}
