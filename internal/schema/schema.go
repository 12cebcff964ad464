// Package schema defines per-collection field schemas, validators, cache
// configuration, and warming policy. Grounded on the teacher's auth.Config /
// auth.User field-tagging style (explicit structs, no string-keyed bags),
// generalized per the design notes' "dynamic config objects" rule.
package schema

import (
	"fmt"
	"regexp"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/veddberr"
)

// FieldType restricts a field to one of the document value kinds.
type FieldType = document.Kind

// Validator is a single constraint attached to a field definition.
type Validator struct {
	Kind     ValidatorKind
	Min, Max float64
	MinLen   int
	MaxLen   int
	Pattern  *regexp.Regexp
	Enum     []document.Value
}

// ValidatorKind enumerates the supported validator shapes.
type ValidatorKind int

const (
	ValidatorMin ValidatorKind = iota
	ValidatorMax
	ValidatorMinLength
	ValidatorMaxLength
	ValidatorRegex
	ValidatorEnum
)

// FieldDef describes one schema field.
type FieldDef struct {
	Name             string
	Type             FieldType
	Required         bool
	Default          *document.Value
	Unique           bool
	Indexed          bool
	Validators       []Validator
	Encrypted        bool
	EncryptionKeyID  string
}

// IndexDef describes one index over a collection.
type IndexDef struct {
	Name     string
	Fields   []string // compound index fields, in order
	Unique   bool
	Sparse   bool
}

// CacheStrategy selects how the hybrid engine routes reads/writes for a
// collection, per §4.1.
type CacheStrategy int

const (
	StrategyNone CacheStrategy = iota
	StrategyWriteThrough
	StrategyWriteBehind
	StrategyReadThrough
)

func (s CacheStrategy) String() string {
	switch s {
	case StrategyNone:
		return "None"
	case StrategyWriteThrough:
		return "WriteThrough"
	case StrategyWriteBehind:
		return "WriteBehind"
	case StrategyReadThrough:
		return "ReadThrough"
	default:
		return "Unknown"
	}
}

// WarmingKind selects cache-warming behavior.
type WarmingKind int

const (
	WarmingNone WarmingKind = iota
	WarmingPreloadOnStartup
	WarmingLazyLoad
	WarmingScheduledRefresh
)

// Warming configures one of the four warming behaviors.
type Warming struct {
	Kind        WarmingKind
	Limit       int // PreloadOnStartup
	IntervalSec int // ScheduledRefresh
}

// CacheConfig is the per-collection cache policy.
type CacheConfig struct {
	Strategy CacheStrategy
	TTLSec   int      // 0 means no expiry
	DelayMS  int      // WriteBehind delay
	Fields   []string // nil means cache the whole document
	Warming  Warming
}

// Schema is a versioned set of field definitions, indexes, and cache policy.
type Schema struct {
	Version int
	Fields  []FieldDef
	Indexes []IndexDef
	Cache   CacheConfig
}

// New returns an empty, version-1 schema with the None cache strategy.
func New() *Schema {
	return &Schema{Version: 1, Cache: CacheConfig{Strategy: StrategyNone}}
}

func (s *Schema) fieldByName(name string) *FieldDef {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// ApplyDefaults fills in the default value of every field that has one and
// is missing from doc, whether the field is required or not.
func (s *Schema) ApplyDefaults(doc *document.Document) {
	for _, f := range s.Fields {
		if f.Default == nil {
			continue
		}
		if _, ok := doc.Fields.Get(f.Name); !ok {
			doc.Fields.Set(f.Name, *f.Default)
		}
	}
}

// Validate checks doc's fields against the schema's field definitions:
// required-ness, type, and each attached validator. Unknown fields are
// permitted (the schema is not necessarily closed).
func (s *Schema) Validate(doc *document.Document) error {
	for _, f := range s.Fields {
		v, present := doc.Fields.Get(f.Name)
		if !present {
			if f.Required {
				return veddberr.New(veddberr.KindInput, "ValidationError", fmt.Sprintf("field %q is required", f.Name))
			}
			continue
		}
		if v.Kind != f.Type {
			return veddberr.New(veddberr.KindInput, "ValidationError",
				fmt.Sprintf("field %q expects type %s, got %s", f.Name, f.Type, v.Kind))
		}
		for _, val := range f.Validators {
			if err := runValidator(f.Name, val, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func runValidator(field string, val Validator, v document.Value) error {
	fail := func(reason string) error {
		return veddberr.New(veddberr.KindInput, "ValidationError", fmt.Sprintf("field %q: %s", field, reason))
	}
	switch val.Kind {
	case ValidatorMin:
		if num, ok := numericOf(v); !ok || num < val.Min {
			return fail(fmt.Sprintf("must be >= %v", val.Min))
		}
	case ValidatorMax:
		if num, ok := numericOf(v); !ok || num > val.Max {
			return fail(fmt.Sprintf("must be <= %v", val.Max))
		}
	case ValidatorMinLength:
		if len(v.Str) < val.MinLen {
			return fail(fmt.Sprintf("length must be >= %d", val.MinLen))
		}
	case ValidatorMaxLength:
		if len(v.Str) > val.MaxLen {
			return fail(fmt.Sprintf("length must be <= %d", val.MaxLen))
		}
	case ValidatorRegex:
		if val.Pattern != nil && !val.Pattern.MatchString(v.Str) {
			return fail("does not match required pattern")
		}
	case ValidatorEnum:
		ok := false
		for _, e := range val.Enum {
			if valuesEqual(e, v) {
				ok = true
				break
			}
		}
		if !ok {
			return fail("value not in allowed enum")
		}
	}
	return nil
}

func numericOf(v document.Value) (float64, bool) {
	switch v.Kind {
	case document.KindInt32:
		return float64(v.Int32), true
	case document.KindInt64:
		return float64(v.Int64), true
	case document.KindFloat64:
		return v.Float64, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b document.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case document.KindString:
		return a.Str == b.Str
	case document.KindInt32:
		return a.Int32 == b.Int32
	case document.KindInt64:
		return a.Int64 == b.Int64
	case document.KindFloat64:
		return a.Float64 == b.Float64
	case document.KindBool:
		return a.Bool == b.Bool
	default:
		return false
	}
}

// UniqueFields returns the names of fields marked Unique, used by the
// persistent layer to enforce §4.1's UniqueViolation.
func (s *Schema) UniqueFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Unique {
			out = append(out, f.Name)
		}
	}
	return out
}
