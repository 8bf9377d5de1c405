package marshal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"
)

// Type codes of the marshal format.
const (
	typeNull        = '0'
	typeNone        = 'N'
	typeFalse       = 'F'
	typeTrue        = 'T'
	typeInt         = 'i'
	typeInt64       = 'I'
	typeLong        = 'l'
	typeFloat       = 'f'
	typeBinaryFloat = 'g'
	typeString      = 's'
	typeInterned    = 't'
	typeUnicode     = 'u'
	typeASCII       = 'a'
	typeASCIIIntern = 'A'
	typeShortASCII  = 'z'
	typeShortIntern = 'Z'
	typeTuple       = '('
	typeSmallTuple  = ')'
	typeList        = '['
	typeSet         = '<'
	typeFrozenSet   = '>'
	typeDict        = '{'
	typeRef         = 'r'

	flagRef = 0x80
)

// MaxDepth bounds container nesting, matching CPython's marshal limit.
const MaxDepth = 2000

var (
	// ErrUnknownType is returned for a type code the decoder does not support.
	ErrUnknownType = errors.New("unknown marshal type code")
	// ErrNotRecord is returned when a top-level object is not a dictionary.
	ErrNotRecord = errors.New("top-level object is not a dictionary")
	// ErrUnsupportedKey is returned for dictionary keys that cannot become strings.
	ErrUnsupportedKey = errors.New("unsupported dictionary key type")
	// ErrBadReference is returned for a back-reference to an unknown object.
	ErrBadReference = errors.New("invalid back-reference")
	// ErrBadLength is returned for negative sizes.
	ErrBadLength = errors.New("invalid length")
	// ErrTooDeep is returned when nesting exceeds MaxDepth.
	ErrTooDeep = errors.New("nesting too deep")
)

// null marks the end of a dictionary. It never escapes the decoder.
type null struct{}

// Decoder reads marshalled records from a stream.
type Decoder struct {
	r      *bufio.Reader
	offset int64
	refs   []any
	depth  int
}

// NewDecoder returns a decoder reading from r. The decoder buffers its
// input and may read past the last record it returns.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// InputOffset returns the number of bytes consumed so far.
func (d *Decoder) InputOffset() int64 { return d.offset }

// Decode reads the next record. It returns io.EOF when the stream ends
// cleanly before a record starts. A stream that ends inside a record
// yields an error wrapping io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (*Record, error) {
	start := d.offset
	code, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading type code at offset %d: %w", start, err)
	}
	d.offset++

	d.refs = d.refs[:0]
	d.depth = 0
	v, err := d.object(code)
	if err != nil {
		return nil, fmt.Errorf("decoding record at offset %d: %w", start, err)
	}
	rec, ok := v.(*Record)
	if !ok {
		return nil, fmt.Errorf("decoding record at offset %d: %w (got %T)", start, ErrNotRecord, v)
	}
	return rec, nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, unexpected(err)
	}
	d.offset++
	return b, nil
}

func (d *Decoder) readFull(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	// Grow with the data instead of trusting the declared size up front.
	buf, err := io.ReadAll(io.LimitReader(d.r, int64(n)))
	d.offset += int64(len(buf))
	if err != nil {
		return nil, unexpected(err)
	}
	if len(buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

func (d *Decoder) readInt32() (int32, error) {
	buf, err := d.readFull(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

func (d *Decoder) readSize() (int, error) {
	n, err := d.readInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	return int(n), nil
}

func (d *Decoder) next() (any, error) {
	code, err := d.readByte()
	if err != nil {
		return nil, err
	}
	return d.object(code)
}

func (d *Decoder) object(code byte) (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > MaxDepth {
		return nil, ErrTooDeep
	}

	flagged := code&flagRef != 0
	code &^= flagRef

	ref := -1
	if flagged {
		ref = len(d.refs)
		d.refs = append(d.refs, nil)
	}

	v, err := d.value(code)
	if err != nil {
		return nil, err
	}
	if ref >= 0 {
		d.refs[ref] = v
	}
	return v, nil
}

func (d *Decoder) value(code byte) (any, error) {
	switch code {
	case typeNull:
		return null{}, nil
	case typeNone:
		return nil, nil
	case typeFalse:
		return false, nil
	case typeTrue:
		return true, nil

	case typeInt:
		n, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		return int64(n), nil

	case typeInt64:
		buf, err := d.readFull(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(buf)), nil

	case typeLong:
		return d.long()

	case typeBinaryFloat:
		buf, err := d.readFull(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil

	case typeFloat:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		buf, err := d.readFull(int(n))
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(string(buf), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing float %q: %w", buf, err)
		}
		return f, nil

	case typeString, typeInterned:
		n, err := d.readSize()
		if err != nil {
			return nil, err
		}
		return d.readFull(n)

	case typeUnicode, typeASCII, typeASCIIIntern:
		n, err := d.readSize()
		if err != nil {
			return nil, err
		}
		buf, err := d.readFull(n)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(buf) {
			if code == typeUnicode {
				return nil, fmt.Errorf("unicode object is not valid UTF-8")
			}
			return buf, nil
		}
		return string(buf), nil

	case typeShortASCII, typeShortIntern:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		buf, err := d.readFull(int(n))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(buf) {
			return buf, nil
		}
		return string(buf), nil

	case typeTuple, typeList, typeSet, typeFrozenSet:
		n, err := d.readSize()
		if err != nil {
			return nil, err
		}
		return d.sequence(n)

	case typeSmallTuple:
		n, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return d.sequence(int(n))

	case typeDict:
		return d.dict()

	case typeRef:
		n, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n) >= len(d.refs) {
			return nil, fmt.Errorf("%w: %d", ErrBadReference, n)
		}
		return d.refs[n], nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
}

func (d *Decoder) sequence(n int) ([]any, error) {
	items := make([]any, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := d.next()
		if err != nil {
			return nil, err
		}
		if _, ok := v.(null); ok {
			return nil, fmt.Errorf("unexpected null in sequence")
		}
		items = append(items, v)
	}
	return items, nil
}

func (d *Decoder) dict() (*Record, error) {
	rec := NewRecord()
	for {
		k, err := d.next()
		if err != nil {
			return nil, err
		}
		if _, ok := k.(null); ok {
			return rec, nil
		}
		key, err := keyString(k)
		if err != nil {
			return nil, err
		}
		v, err := d.next()
		if err != nil {
			return nil, err
		}
		if _, ok := v.(null); ok {
			return nil, fmt.Errorf("missing value for key %q", key)
		}
		rec.Set(key, v)
	}
}

func keyString(k any) (string, error) {
	switch k := k.(type) {
	case string:
		return k, nil
	case []byte:
		return string(k), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case *big.Int:
		return k.String(), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, k)
}

// long decodes an arbitrary precision integer stored as 15-bit digits,
// least significant first. The sign of the digit count is the sign of
// the number.
func (d *Decoder) long() (any, error) {
	n, err := d.readInt32()
	if err != nil {
		return nil, err
	}
	neg := n < 0
	count := int(n)
	if neg {
		count = -count
	}
	buf, err := d.readFull(2 * count)
	if err != nil {
		return nil, err
	}

	z := new(big.Int)
	digit := new(big.Int)
	for i := count - 1; i >= 0; i-- {
		v := binary.LittleEndian.Uint16(buf[2*i:])
		if v >= 1<<15 {
			return nil, fmt.Errorf("long digit out of range: %d", v)
		}
		z.Lsh(z, 15)
		z.Or(z, digit.SetUint64(uint64(v)))
	}
	if neg {
		z.Neg(z)
	}
	if z.IsInt64() {
		return z.Int64(), nil
	}
	return z, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
