package document

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalgo/veddb/internal/veddberr"
)

const (
	// MaxSizeBytes is the per-document size budget from the data model.
	MaxSizeBytes = 16 * 1024 * 1024
	// MaxDepth is the maximum nesting depth of a document's value tree.
	MaxDepth = 16
)

// ID is the document's 128-bit identifier. Byte-wise comparison gives a
// total, lexicographic order, which is what collection scans and the B-tree
// index rely on.
type ID [16]byte

// NewID generates a fresh random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses a 32-character hex string into an ID. Dashes are ignored,
// so the dashed UUID form is accepted as well.
func ParseID(s string) (ID, error) {
	s = strings.ReplaceAll(s, "-", "")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return ID{}, veddberr.Wrap(veddberr.KindInput, "InvalidID", "malformed document id", err)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Compare returns -1, 0, or 1, giving the total order IDs are sorted by.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (id ID) Less(other ID) bool { return id.Compare(other) < 0 }

// Metadata carries the bookkeeping fields every document owns independent
// of its schema: version for optimistic concurrency, timestamps, and the
// cached on-wire size.
type Metadata struct {
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	SizeBytes int
}

// Document is an id plus an ordered field map plus metadata.
type Document struct {
	ID     ID
	Fields *Object
	Meta   Metadata
}

// New constructs an empty document with a fresh id.
func New() *Document {
	return &Document{ID: NewID(), Fields: NewObject()}
}

// Validate checks the universal size/depth invariants (schema-specific
// validation lives in internal/schema). It also refreshes Meta.SizeBytes.
func (d *Document) Validate() error {
	size := 16 // id
	depth := 0
	for _, k := range d.Fields.Keys() {
		v, _ := d.Fields.Get(k)
		size += len(k) + sizeOf(v)
		if dep := depthOf(v); dep > depth {
			depth = dep
		}
	}
	if size > MaxSizeBytes {
		return veddberr.Wrap(veddberr.KindInput, "OversizeError", "document exceeds 16MiB", nil)
	}
	if depth > MaxDepth {
		return veddberr.Wrap(veddberr.KindInput, "ValidationError", "document nesting exceeds max depth", nil)
	}
	d.Meta.SizeBytes = size
	return nil
}

// Clone deep-copies the document.
func (d *Document) Clone() *Document {
	return &Document{ID: d.ID, Fields: d.Fields.Clone(), Meta: d.Meta}
}

// pathComponent is one segment of a "." separated field path: either a field
// name (object navigation) or a numeric index (array navigation).
type pathComponent struct {
	name    string
	isIndex bool
	index   int
}

// parsePath splits a field path on "." and classifies numeric components as
// array indices, per the data model's path-navigation rule.
func parsePath(path string) []pathComponent {
	parts := strings.Split(path, ".")
	out := make([]pathComponent, len(parts))
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out[i] = pathComponent{isIndex: true, index: n}
		} else {
			out[i] = pathComponent{name: p}
		}
	}
	return out
}

// GetPath navigates a dotted field path against the document's field tree,
// treating numeric components as array indices.
func (d *Document) GetPath(path string) (Value, bool) {
	comps := parsePath(path)
	if len(comps) == 0 {
		return Value{}, false
	}
	if comps[0].isIndex {
		return Value{}, false
	}
	v, ok := d.Fields.Get(comps[0].name)
	if !ok {
		return Value{}, false
	}
	return navigate(v, comps[1:])
}

func navigate(v Value, rest []pathComponent) (Value, bool) {
	if len(rest) == 0 {
		return v, true
	}
	c := rest[0]
	switch {
	case c.isIndex && v.Kind == KindArray:
		if c.index < 0 || c.index >= len(v.Array) {
			return Value{}, false
		}
		return navigate(v.Array[c.index], rest[1:])
	case !c.isIndex && v.Kind == KindObject && v.Object != nil:
		child, ok := v.Object.Get(c.name)
		if !ok {
			return Value{}, false
		}
		return navigate(child, rest[1:])
	default:
		return Value{}, false
	}
}

// SetPath writes value at the dotted path, creating intermediate objects as
// needed. Array index creation/extension is not supported (arrays are
// navigated, not grown, by path); writing past the end of an array fails.
func (d *Document) SetPath(path string, value Value) error {
	comps := parsePath(path)
	if len(comps) == 0 || comps[0].isIndex {
		return veddberr.New(veddberr.KindInput, "ValidationError", "field path must start with a field name")
	}
	if len(comps) == 1 {
		d.Fields.Set(comps[0].name, value)
		return nil
	}
	cur, ok := d.Fields.Get(comps[0].name)
	if !ok || cur.Kind != KindObject {
		cur = Obj(NewObject())
	}
	updated, err := setNested(cur, comps[1:], value)
	if err != nil {
		return err
	}
	d.Fields.Set(comps[0].name, updated)
	return nil
}

func setNested(v Value, rest []pathComponent, value Value) (Value, error) {
	if len(rest) == 0 {
		return value, nil
	}
	c := rest[0]
	if c.isIndex {
		if v.Kind != KindArray {
			return Value{}, veddberr.New(veddberr.KindInput, "ValidationError", "path expects an array")
		}
		if c.index < 0 || c.index >= len(v.Array) {
			return Value{}, veddberr.New(veddberr.KindInput, "ValidationError", "array index out of range")
		}
		updated, err := setNested(v.Array[c.index], rest[1:], value)
		if err != nil {
			return Value{}, err
		}
		v.Array[c.index] = updated
		return v, nil
	}
	if v.Kind != KindObject {
		v = Obj(NewObject())
	}
	if v.Object == nil {
		v.Object = NewObject()
	}
	child, _ := v.Object.Get(c.name)
	updated, err := setNested(child, rest[1:], value)
	if err != nil {
		return Value{}, err
	}
	v.Object.Set(c.name, updated)
	return v, nil
}
