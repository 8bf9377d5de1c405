// Package marshal reads and writes the Python marshal encoding emitted by
// `p4 -G`. Each top-level object is self-delimiting, so a stream of records
// needs no framing between them.
package marshal

// Field is a single key/value pair of a Record.
type Field struct {
	Key   string
	Value any
}

// Record is one decoded dictionary. Keys keep the order in which they
// were written to the stream.
//
// Values are one of: nil, bool, int64, *big.Int, float64, []byte, string,
// []any or *Record.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{index: make(map[string]int)}
}

// Set assigns value to key. An existing key keeps its position.
func (r *Record) Set(key string, value any) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[key]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[key] = len(r.fields)
	r.fields = append(r.fields, Field{Key: key, Value: value})
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

// String returns the value under key as text. Byte strings are converted
// as-is; other types report false.
func (r *Record) String(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.fields) }

// Keys returns the keys in stream order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Key
	}
	return keys
}

// Fields returns the fields in stream order. The slice must not be modified.
func (r *Record) Fields() []Field { return r.fields }
