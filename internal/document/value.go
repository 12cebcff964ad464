// Package document implements the BSON-like nested value tree documents are
// built from: a tagged union Value type, the Document envelope with its size
// and id, and path-based field navigation. It is grounded on the teacher's
// auth.User / auth.AuditLog style of explicit, JSON-tagged structs, adapted
// into a dynamic tagged-union tree since documents here have no fixed shape.
package document

import (
	"sort"
	"time"
)

// Kind identifies which branch of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat64
	KindString
	KindBinary
	KindArray
	KindObject
	KindObjectID
	KindDateTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt32:
		return "i32"
	case KindInt64:
		return "i64"
	case KindFloat64:
		return "f64"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindObjectID:
		return "object-id"
	case KindDateTime:
		return "date-time"
	default:
		return "unknown"
	}
}

// ObjectID is a 12-byte identifier, independent of the 128-bit document Id.
type ObjectID [12]byte

// Value is a tagged union over the document field-value domain. Exactly one
// of the typed fields is meaningful, selected by Kind; object/array values
// nest further Values, bounded by MaxDepth.
type Value struct {
	Kind     Kind
	Bool     bool
	Int32    int32
	Int64    int64
	Float64  float64
	Str      string
	Bin      []byte
	Array    []Value
	Object   *Object
	ObjectID ObjectID
	DateTime time.Time
}

// Object is an ordered string-keyed map: ordering is preserved for
// deterministic encoding and for field-path navigation of "object<string,Value>".
type Object struct {
	keys   []string
	values map[string]Value
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{values: make(map[string]Value)}
}

// Set inserts or overwrites a field, preserving original insertion order on
// overwrite and appending on a new key.
func (o *Object) Set(key string, v Value) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

// Get returns the value at key and whether it was present.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Delete removes key, if present.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.keys) }

// SortedKeys returns field names sorted lexicographically, useful for
// deterministic encoding (snapshot/WAL payloads) independent of insertion order.
func (o *Object) SortedKeys() []string {
	out := o.Keys()
	sort.Strings(out)
	return out
}

// Clone deep-copies the object.
func (o *Object) Clone() *Object {
	c := NewObject()
	for _, k := range o.keys {
		c.Set(k, o.values[k].Clone())
	}
	return c
}

// Clone deep-copies v, including nested arrays/objects.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindBinary:
		b := make([]byte, len(v.Bin))
		copy(b, v.Bin)
		v.Bin = b
	case KindArray:
		arr := make([]Value, len(v.Array))
		for i, e := range v.Array {
			arr[i] = e.Clone()
		}
		v.Array = arr
	case KindObject:
		if v.Object != nil {
			v.Object = v.Object.Clone()
		}
	}
	return v
}

// Null / Bool / Int32 / Int64 / Float64 / String / Binary / ObjID / DateTime
// are convenience constructors for the tagged union's branches.
func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int32(i int32) Value        { return Value{Kind: KindInt32, Int32: i} }
func Int64(i int64) Value        { return Value{Kind: KindInt64, Int64: i} }
func Float64(f float64) Value    { return Value{Kind: KindFloat64, Float64: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Binary(b []byte) Value      { return Value{Kind: KindBinary, Bin: b} }
func Array(vs ...Value) Value    { return Value{Kind: KindArray, Array: vs} }
func Obj(o *Object) Value        { return Value{Kind: KindObject, Object: o} }
func ObjID(id ObjectID) Value    { return Value{Kind: KindObjectID, ObjectID: id} }
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, DateTime: t} }

// sizeOf estimates the on-wire size of v in bytes, used to enforce the
// per-document size budget without requiring a full encode pass.
func sizeOf(v Value) int {
	switch v.Kind {
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindInt32:
		return 5
	case KindInt64, KindFloat64, KindDateTime:
		return 9
	case KindString:
		return 5 + len(v.Str)
	case KindBinary:
		return 5 + len(v.Bin)
	case KindObjectID:
		return 13
	case KindArray:
		n := 4
		for _, e := range v.Array {
			n += sizeOf(e)
		}
		return n
	case KindObject:
		n := 4
		if v.Object != nil {
			for _, k := range v.Object.keys {
				n += 4 + len(k) + sizeOf(v.Object.values[k])
			}
		}
		return n
	default:
		return 1
	}
}

// depthOf returns the nesting depth of v; a scalar has depth 1.
func depthOf(v Value) int {
	switch v.Kind {
	case KindArray:
		max := 0
		for _, e := range v.Array {
			if d := depthOf(e); d > max {
				max = d
			}
		}
		return 1 + max
	case KindObject:
		max := 0
		if v.Object != nil {
			for _, k := range v.Object.keys {
				if d := depthOf(v.Object.values[k]); d > max {
					max = d
				}
			}
		}
		return 1 + max
	default:
		return 1
	}
}

