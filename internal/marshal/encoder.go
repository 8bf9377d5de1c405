package marshal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
)

// Encoder writes records in the marshal format. Strings are written as
// byte strings, the way p4 writes them, so the output is readable by
// `p4 -G` commands that take a form on standard input.
type Encoder struct {
	w   *bufio.Writer
	err error
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes rec as one dictionary and flushes it.
func (e *Encoder) Encode(rec *Record) error {
	if err := e.record(rec); err != nil {
		return err
	}
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}

func (e *Encoder) putByte(b byte) {
	if e.err == nil {
		e.err = e.w.WriteByte(b)
	}
}

func (e *Encoder) put(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *Encoder) putInt32(n int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	e.put(buf[:])
}

func (e *Encoder) putSize(n int) error {
	if n > math.MaxInt32 {
		return fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	e.putInt32(int32(n))
	return nil
}

func (e *Encoder) record(rec *Record) error {
	e.putByte(typeDict)
	for _, f := range rec.Fields() {
		if err := e.putString([]byte(f.Key)); err != nil {
			return err
		}
		if err := e.value(f.Value); err != nil {
			return fmt.Errorf("encoding %q: %w", f.Key, err)
		}
	}
	e.putByte(typeNull)
	return nil
}

func (e *Encoder) putString(b []byte) error {
	e.putByte(typeString)
	if err := e.putSize(len(b)); err != nil {
		return err
	}
	e.put(b)
	return nil
}

func (e *Encoder) value(v any) error {
	switch v := v.(type) {
	case nil:
		e.putByte(typeNone)
	case bool:
		if v {
			e.putByte(typeTrue)
		} else {
			e.putByte(typeFalse)
		}
	case string:
		return e.putString([]byte(v))
	case []byte:
		return e.putString(v)
	case int:
		e.putInt(int64(v))
	case int32:
		e.putInt(int64(v))
	case int64:
		e.putInt(v)
	case *big.Int:
		e.putLong(v)
	case float64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		e.putByte(typeBinaryFloat)
		e.put(buf[:])
	case []any:
		e.putByte(typeList)
		if err := e.putSize(len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := e.value(item); err != nil {
				return err
			}
		}
	case *Record:
		return e.record(v)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func (e *Encoder) putInt(n int64) {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		e.putByte(typeInt)
		e.putInt32(int32(n))
		return
	}
	e.putLong(big.NewInt(n))
}

func (e *Encoder) putLong(z *big.Int) {
	abs := new(big.Int).Abs(z)
	var digits []uint16
	mask := big.NewInt(1<<15 - 1)
	d := new(big.Int)
	for abs.Sign() > 0 {
		digits = append(digits, uint16(d.And(abs, mask).Uint64()))
		abs.Rsh(abs, 15)
	}
	n := int32(len(digits))
	if z.Sign() < 0 {
		n = -n
	}
	e.putByte(typeLong)
	e.putInt32(n)
	var buf [2]byte
	for _, digit := range digits {
		binary.LittleEndian.PutUint16(buf[:], digit)
		e.put(buf[:])
	}
}
