package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/deixis/p4json/internal/marshal"
)

// ParseInput reads one JSON object and converts it into a record that can
// be marshalled onto p4's standard input, e.g. a change form for
// `change -i`. Keys are sorted; integral numbers become ints.
func ParseInput(r io.Reader) (*marshal.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("parsing input: expected a JSON object")
	}
	return toRecord(fields)
}

// InputRecord converts an already decoded JSON object into a record.
func InputRecord(fields map[string]any) (*marshal.Record, error) {
	return toRecord(fields)
}

func toRecord(fields map[string]any) (*marshal.Record, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := marshal.NewRecord()
	for _, k := range keys {
		v, err := toValue(fields[k])
		if err != nil {
			return nil, fmt.Errorf("input field %q: %w", k, err)
		}
		rec.Set(k, v)
	}
	return rec, nil
}

func toValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, string:
		return v, nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v), nil
		}
		return v, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			conv, err := toValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		return toRecord(v)
	}
	return nil, fmt.Errorf("unsupported JSON value %T", v)
}
