package index

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/evalgo/veddb/internal/document"
)

// Key is the encoded form of a (possibly compound) index key: one segment
// per indexed field, concatenated so that byte-wise comparison of the whole
// Key matches the field-by-field total order spec.md's B-tree index
// requires (single/compound, totally-ordered keys, range scans).
type Key []byte

// BuildKey encodes vals, in field order, into a single order-preserving Key.
// Each segment has its 0x00 bytes escaped as 0x00 0xFF and ends with the
// terminator 0x00 0x00, so compound keys compare field by field even when
// an earlier field is a prefix of another's encoding.
func BuildKey(vals []document.Value) Key {
	var buf bytes.Buffer
	for _, v := range vals {
		for _, b := range encodeSegment(v) {
			buf.WriteByte(b)
			if b == 0x00 {
				buf.WriteByte(0xFF)
			}
		}
		buf.WriteByte(0x00)
		buf.WriteByte(0x00)
	}
	return Key(buf.Bytes())
}

// Compare gives the total order two keys sort in: -1, 0, or 1.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

// typeTag orders the value domain: null < bool < number < string < binary <
// object-id < date-time < array < object. Numbers of different Kinds
// (Int32/Int64/Float64) share one tag and are compared numerically so mixed
// numeric types in the same field still sort correctly. tagObject is not
// emitted: encodeSegment encodes object values under tagArray.
const (
	tagNull byte = iota
	tagBool
	tagNumber
	tagString
	tagBinary
	tagObjectID
	tagDateTime
	tagArray
	tagObject
)

// encodeSegment produces a byte-comparable encoding of a single value. Only
// scalar kinds are meaningful index segments; array/object values are
// encoded too (for completeness of BuildKey on arbitrary field values) but
// are not useful range-scan targets. Nothing rejects an index over a
// non-scalar field.
func encodeSegment(v document.Value) []byte {
	switch v.Kind {
	case document.KindNull:
		return []byte{tagNull}
	case document.KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return []byte{tagBool, b}
	case document.KindInt32:
		return encodeNumber(float64(v.Int32))
	case document.KindInt64:
		return encodeNumber(float64(v.Int64))
	case document.KindFloat64:
		return encodeNumber(v.Float64)
	case document.KindString:
		return append([]byte{tagString}, []byte(v.Str)...)
	case document.KindBinary:
		return append([]byte{tagBinary}, v.Bin...)
	case document.KindObjectID:
		return append([]byte{tagObjectID}, v.ObjectID[:]...)
	case document.KindDateTime:
		out := make([]byte, 9)
		out[0] = tagDateTime
		binary.BigEndian.PutUint64(out[1:], uint64(v.DateTime.UnixNano())^(1<<63))
		return out
	default:
		// Arrays encode each element recursively; an object encodes as
		// the bare array tag without its fields, so every object value
		// yields the same segment. Neither is a sensible range-scan key.
		var buf bytes.Buffer
		buf.WriteByte(tagArray)
		if v.Kind == document.KindArray {
			for _, e := range v.Array {
				buf.Write(encodeSegment(e))
			}
		}
		return buf.Bytes()
	}
}

// encodeNumber produces an order-preserving 9-byte encoding of f: a type tag
// followed by the IEEE-754 bits with the sign-dependent flip that makes
// unsigned byte comparison match numeric comparison (flip sign bit for
// positives, invert all bits for negatives).
func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 9)
	out[0] = tagNumber
	binary.BigEndian.PutUint64(out[1:], bits)
	return out
}
