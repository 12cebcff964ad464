package document

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Encode serializes d into a self-describing byte form used by the
// write-ahead log payload, snapshots, and the persistent layer's document
// column family. The format is a flat recursive encoding of Value, not
// order-preserving (see internal/index for that concern).
func (d *Document) Encode() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, d.ID[:]...)
	buf = appendUint64(buf, d.Meta.Version)
	buf = appendInt64(buf, d.Meta.CreatedAt.UnixNano())
	buf = appendInt64(buf, d.Meta.UpdatedAt.UnixNano())
	buf = encodeObject(buf, d.Fields)
	return buf
}

// Decode parses bytes produced by Encode back into a Document.
func Decode(b []byte) (*Document, error) {
	if len(b) < 16+8+8+8 {
		return nil, veddberr.New(veddberr.KindDurability, "Truncated", "document record too short")
	}
	var id ID
	copy(id[:], b[0:16])
	off := 16
	version := binary.BigEndian.Uint64(b[off:])
	off += 8
	createdAt := readInt64(b, off)
	off += 8
	updatedAt := readInt64(b, off)
	off += 8
	obj, _, err := decodeObject(b, off)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID: id,
		Meta: Metadata{
			Version:   version,
			CreatedAt: time.Unix(0, createdAt).UTC(),
			UpdatedAt: time.Unix(0, updatedAt).UTC(),
		},
		Fields: obj,
	}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}

func readInt64(b []byte, off int) int64 {
	return int64(binary.BigEndian.Uint64(b[off:]))
}

func encodeObject(buf []byte, o *Object) []byte {
	if o == nil {
		return appendUint64(buf, 0)
	}
	keys := o.Keys()
	buf = appendUint64(buf, uint64(len(keys)))
	for _, k := range keys {
		v, _ := o.Get(k)
		buf = appendString(buf, k)
		buf = encodeValue(buf, v)
	}
	return buf
}

func decodeObject(b []byte, off int) (*Object, int, error) {
	if len(b) < off+8 {
		return nil, off, veddberr.New(veddberr.KindDurability, "Truncated", "object field count truncated")
	}
	n := binary.BigEndian.Uint64(b[off:])
	off += 8
	o := NewObject()
	for i := uint64(0); i < n; i++ {
		key, next, err := readString(b, off)
		if err != nil {
			return nil, off, err
		}
		off = next
		v, next2, err := decodeValue(b, off)
		if err != nil {
			return nil, off, err
		}
		off = next2
		o.Set(key, v)
	}
	return o, off, nil
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(b []byte, off int) (string, int, error) {
	if len(b) < off+8 {
		return "", off, veddberr.New(veddberr.KindDurability, "Truncated", "string length truncated")
	}
	n := int(binary.BigEndian.Uint64(b[off:]))
	off += 8
	if len(b) < off+n {
		return "", off, veddberr.New(veddberr.KindDurability, "Truncated", "string body truncated")
	}
	return string(b[off : off+n]), off + n, nil
}

func encodeValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		// no payload
	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		buf = append(buf, b)
	case KindInt32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(v.Int32))
		buf = append(buf, tmp[:]...)
	case KindInt64:
		buf = appendInt64(buf, v.Int64)
	case KindFloat64:
		buf = appendUint64(buf, math.Float64bits(v.Float64))
	case KindString:
		buf = appendString(buf, v.Str)
	case KindBinary:
		buf = appendUint64(buf, uint64(len(v.Bin)))
		buf = append(buf, v.Bin...)
	case KindObjectID:
		buf = append(buf, v.ObjectID[:]...)
	case KindDateTime:
		buf = appendInt64(buf, v.DateTime.UnixNano())
	case KindArray:
		buf = appendUint64(buf, uint64(len(v.Array)))
		for _, e := range v.Array {
			buf = encodeValue(buf, e)
		}
	case KindObject:
		buf = encodeObject(buf, v.Object)
	}
	return buf
}

func decodeValue(b []byte, off int) (Value, int, error) {
	if len(b) < off+1 {
		return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "value tag truncated")
	}
	kind := Kind(b[off])
	off++
	switch kind {
	case KindNull:
		return Null(), off, nil
	case KindBool:
		if len(b) < off+1 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "bool value truncated")
		}
		return Bool(b[off] == 1), off + 1, nil
	case KindInt32:
		if len(b) < off+4 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "int32 value truncated")
		}
		return Int32(int32(binary.BigEndian.Uint32(b[off:]))), off + 4, nil
	case KindInt64:
		if len(b) < off+8 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "int64 value truncated")
		}
		return Int64(readInt64(b, off)), off + 8, nil
	case KindFloat64:
		if len(b) < off+8 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "float64 value truncated")
		}
		return Float64(math.Float64frombits(binary.BigEndian.Uint64(b[off:]))), off + 8, nil
	case KindString:
		s, next, err := readString(b, off)
		if err != nil {
			return Value{}, off, err
		}
		return String(s), next, nil
	case KindBinary:
		if len(b) < off+8 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "binary length truncated")
		}
		n := int(binary.BigEndian.Uint64(b[off:]))
		off += 8
		if len(b) < off+n {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "binary body truncated")
		}
		bin := append([]byte(nil), b[off:off+n]...)
		return Binary(bin), off + n, nil
	case KindObjectID:
		if len(b) < off+12 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "object id truncated")
		}
		var oid ObjectID
		copy(oid[:], b[off:off+12])
		return ObjID(oid), off + 12, nil
	case KindDateTime:
		if len(b) < off+8 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "datetime truncated")
		}
		return DateTime(time.Unix(0, readInt64(b, off)).UTC()), off + 8, nil
	case KindArray:
		if len(b) < off+8 {
			return Value{}, off, veddberr.New(veddberr.KindDurability, "Truncated", "array length truncated")
		}
		n := int(binary.BigEndian.Uint64(b[off:]))
		off += 8
		arr := make([]Value, n)
		for i := 0; i < n; i++ {
			v, next, err := decodeValue(b, off)
			if err != nil {
				return Value{}, off, err
			}
			arr[i] = v
			off = next
		}
		return Array(arr...), off, nil
	case KindObject:
		o, next, err := decodeObject(b, off)
		if err != nil {
			return Value{}, off, err
		}
		return Obj(o), next, nil
	default:
		return Value{}, off, veddberr.New(veddberr.KindDurability, "Corruption", "unknown value kind tag")
	}
}
