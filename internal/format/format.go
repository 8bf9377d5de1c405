// Package format renders decoded records as indented JSON.
package format

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/deixis/p4json/internal/marshal"
)

// DefaultIndent is the number of spaces per nesting level.
const DefaultIndent = 4

// BytesPolicy decides how byte strings that are not valid UTF-8 are rendered.
// Valid UTF-8 always renders as a plain JSON string.
type BytesPolicy string

const (
	// Strict fails with ErrInvalidUTF8.
	Strict BytesPolicy = "strict"
	// Replace substitutes U+FFFD for each invalid sequence.
	Replace BytesPolicy = "replace"
	// Latin1 maps every byte to the code point of the same value.
	Latin1 BytesPolicy = "latin1"
	// Base64 renders the whole value as standard base64.
	Base64 BytesPolicy = "base64"
)

// ParseBytesPolicy validates a policy name. The empty string selects Strict.
func ParseBytesPolicy(s string) (BytesPolicy, error) {
	switch p := BytesPolicy(strings.ToLower(s)); p {
	case "":
		return Strict, nil
	case Strict, Replace, Latin1, Base64:
		return p, nil
	}
	return "", fmt.Errorf("unknown bytes policy %q (want strict, replace, latin1 or base64)", s)
}

var (
	// ErrInvalidUTF8 is returned under the Strict policy.
	ErrInvalidUTF8 = errors.New("byte string is not valid UTF-8")
	// ErrNonFinite is returned for NaN and infinite floats.
	ErrNonFinite = errors.New("float is not representable in JSON")
)

// Formatter renders records as JSON.
type Formatter struct {
	Indent int         // spaces per level; <= 0 means DefaultIndent
	Bytes  BytesPolicy // empty means Strict
}

// Render returns the records as a JSON array followed by a newline.
// A nil or empty slice renders as "[]".
func (f *Formatter) Render(records []*marshal.Record) ([]byte, error) {
	items := make([]json.RawMessage, 0, len(records))
	for i, rec := range records {
		raw, err := f.RenderRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		items = append(items, raw)
	}
	return f.Array(items)
}

// Array indents already rendered records into a JSON array followed by
// a newline.
func (f *Formatter) Array(items []json.RawMessage) ([]byte, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", strings.Repeat(" ", f.indent()))
	if err := enc.Encode(items); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Write renders records and writes them to w. Nothing is written if
// rendering fails.
func (f *Formatter) Write(w io.Writer, records []*marshal.Record) error {
	data, err := f.Render(records)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// RenderRecord returns one record as compact JSON with keys in stream order.
func (f *Formatter) RenderRecord(rec *marshal.Record) (json.RawMessage, error) {
	var b bytes.Buffer
	if err := f.record(&b, rec); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (f *Formatter) indent() int {
	if f.Indent <= 0 {
		return DefaultIndent
	}
	return f.Indent
}

func (f *Formatter) record(b *bytes.Buffer, rec *marshal.Record) error {
	b.WriteByte('{')
	for i, field := range rec.Fields() {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := f.writeText(b, field.Key); err != nil {
			return fmt.Errorf("key %q: %w", field.Key, err)
		}
		b.WriteByte(':')
		if err := f.value(b, field.Value); err != nil {
			return fmt.Errorf("field %q: %w", field.Key, err)
		}
	}
	b.WriteByte('}')
	return nil
}

func (f *Formatter) value(b *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case int64:
		fmt.Fprintf(b, "%d", v)
	case *big.Int:
		b.WriteString(v.String())
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrNonFinite, v)
		}
		b.WriteString(formatFloat(v))
	case string:
		return f.writeText(b, v)
	case []byte:
		s, err := f.text(v)
		if err != nil {
			return err
		}
		return writeString(b, s)
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := f.value(b, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		b.WriteByte(']')
	case *marshal.Record:
		return f.record(b, v)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func (f *Formatter) text(v []byte) (string, error) {
	if utf8.Valid(v) {
		return string(v), nil
	}
	switch f.Bytes {
	case Replace:
		return strings.ToValidUTF8(string(v), "�"), nil
	case Latin1:
		runes := make([]rune, len(v))
		for i, c := range v {
			runes[i] = rune(c)
		}
		return string(runes), nil
	case Base64:
		return base64.StdEncoding.EncodeToString(v), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUTF8, v)
}

// writeText writes s as a JSON string, applying the byte policy when s
// is not valid UTF-8.
func (f *Formatter) writeText(b *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		var err error
		if s, err = f.text([]byte(s)); err != nil {
			return err
		}
	}
	return writeString(b, s)
}

// formatFloat renders v the way Python's repr does: integral values keep
// a ".0" suffix and exponents below -4 or from 16 up use e notation.
func formatFloat(v float64) string {
	e := strconv.FormatFloat(v, 'e', -1, 64)
	exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return e
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// writeString writes s as a JSON string without HTML escaping, so depot
// paths containing '&' or '<' stay readable.
func writeString(b *bytes.Buffer, s string) error {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	b.Truncate(b.Len() - 1) // Encode appends a newline
	return nil
}
