package schema

import (
	"encoding/json"
	"regexp"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/veddberr"
)

// wire DTOs mirror Schema/FieldDef/Validator but swap *regexp.Regexp for its
// source pattern and document.Value for a small tagged form, so the whole
// tree round-trips through encoding/json the way the teacher's db/bolt
// PutJSON/GetJSON helpers persist arbitrary structs.
type validatorDTO struct {
	Kind    ValidatorKind    `json:"kind"`
	Min     float64          `json:"min,omitempty"`
	Max     float64          `json:"max,omitempty"`
	MinLen  int              `json:"min_len,omitempty"`
	MaxLen  int              `json:"max_len,omitempty"`
	Pattern string           `json:"pattern,omitempty"`
	Enum    []json.RawMessage `json:"enum,omitempty"`
}

type fieldDTO struct {
	Name            string            `json:"name"`
	Type            document.Kind     `json:"type"`
	Required        bool              `json:"required"`
	Default         json.RawMessage   `json:"default,omitempty"`
	Unique          bool              `json:"unique"`
	Indexed         bool              `json:"indexed"`
	Validators      []validatorDTO    `json:"validators,omitempty"`
	Encrypted       bool              `json:"encrypted"`
	EncryptionKeyID string            `json:"encryption_key_id,omitempty"`
}

type indexDTO struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
	Sparse bool     `json:"sparse"`
}

type schemaDTO struct {
	Version int          `json:"version"`
	Fields  []fieldDTO   `json:"fields"`
	Indexes []indexDTO   `json:"indexes"`
	Cache   CacheConfig  `json:"cache"`
}

// simpleValue is the minimal scalar subset a default/enum literal can take.
// Compound field types are not expected to carry defaults or enum members.
type simpleValue struct {
	Kind document.Kind `json:"kind"`
	Str  string        `json:"str,omitempty"`
	I64  int64         `json:"i64,omitempty"`
	F64  float64       `json:"f64,omitempty"`
	B    bool          `json:"b,omitempty"`
}

func toSimple(v document.Value) simpleValue {
	switch v.Kind {
	case document.KindString:
		return simpleValue{Kind: v.Kind, Str: v.Str}
	case document.KindInt32:
		return simpleValue{Kind: v.Kind, I64: int64(v.Int32)}
	case document.KindInt64:
		return simpleValue{Kind: v.Kind, I64: v.Int64}
	case document.KindFloat64:
		return simpleValue{Kind: v.Kind, F64: v.Float64}
	case document.KindBool:
		return simpleValue{Kind: v.Kind, B: v.Bool}
	default:
		return simpleValue{Kind: document.KindNull}
	}
}

func fromSimple(s simpleValue) document.Value {
	switch s.Kind {
	case document.KindString:
		return document.String(s.Str)
	case document.KindInt32:
		return document.Int32(int32(s.I64))
	case document.KindInt64:
		return document.Int64(s.I64)
	case document.KindFloat64:
		return document.Float64(s.F64)
	case document.KindBool:
		return document.Bool(s.B)
	default:
		return document.Null()
	}
}

// Encode serializes s to JSON for storage in the persistent layer's
// metadata column family.
func Encode(s *Schema) ([]byte, error) {
	dto := schemaDTO{Version: s.Version, Cache: s.Cache}
	for _, f := range s.Fields {
		fd := fieldDTO{
			Name: f.Name, Type: f.Type, Required: f.Required,
			Unique: f.Unique, Indexed: f.Indexed,
			Encrypted: f.Encrypted, EncryptionKeyID: f.EncryptionKeyID,
		}
		if f.Default != nil {
			raw, err := json.Marshal(toSimple(*f.Default))
			if err != nil {
				return nil, veddberr.Wrap(veddberr.KindInput, "ValidationError", "marshal field default", err)
			}
			fd.Default = raw
		}
		for _, v := range f.Validators {
			vd := validatorDTO{Kind: v.Kind, Min: v.Min, Max: v.Max, MinLen: v.MinLen, MaxLen: v.MaxLen}
			if v.Pattern != nil {
				vd.Pattern = v.Pattern.String()
			}
			for _, e := range v.Enum {
				raw, err := json.Marshal(toSimple(e))
				if err != nil {
					return nil, veddberr.Wrap(veddberr.KindInput, "ValidationError", "marshal enum value", err)
				}
				vd.Enum = append(vd.Enum, raw)
			}
			fd.Validators = append(fd.Validators, vd)
		}
		dto.Fields = append(dto.Fields, fd)
	}
	for _, ix := range s.Indexes {
		dto.Indexes = append(dto.Indexes, indexDTO{Name: ix.Name, Fields: ix.Fields, Unique: ix.Unique, Sparse: ix.Sparse})
	}
	b, err := json.Marshal(dto)
	if err != nil {
		return nil, veddberr.Wrap(veddberr.KindInput, "ValidationError", "marshal schema", err)
	}
	return b, nil
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (*Schema, error) {
	var dto schemaDTO
	if err := json.Unmarshal(b, &dto); err != nil {
		return nil, veddberr.Wrap(veddberr.KindDurability, "Corruption", "unmarshal schema", err)
	}
	s := &Schema{Version: dto.Version, Cache: dto.Cache}
	for _, fd := range dto.Fields {
		f := FieldDef{
			Name: fd.Name, Type: fd.Type, Required: fd.Required,
			Unique: fd.Unique, Indexed: fd.Indexed,
			Encrypted: fd.Encrypted, EncryptionKeyID: fd.EncryptionKeyID,
		}
		if len(fd.Default) > 0 {
			var sv simpleValue
			if err := json.Unmarshal(fd.Default, &sv); err != nil {
				return nil, veddberr.Wrap(veddberr.KindDurability, "Corruption", "unmarshal field default", err)
			}
			v := fromSimple(sv)
			f.Default = &v
		}
		for _, vd := range fd.Validators {
			v := Validator{Kind: vd.Kind, Min: vd.Min, Max: vd.Max, MinLen: vd.MinLen, MaxLen: vd.MaxLen}
			if vd.Pattern != "" {
				re, err := regexp.Compile(vd.Pattern)
				if err != nil {
					return nil, veddberr.Wrap(veddberr.KindDurability, "Corruption", "compile stored regex", err)
				}
				v.Pattern = re
			}
			for _, raw := range vd.Enum {
				var sv simpleValue
				if err := json.Unmarshal(raw, &sv); err != nil {
					return nil, veddberr.Wrap(veddberr.KindDurability, "Corruption", "unmarshal enum value", err)
				}
				v.Enum = append(v.Enum, fromSimple(sv))
			}
			f.Validators = append(f.Validators, v)
		}
		s.Fields = append(s.Fields, f)
	}
	for _, ixd := range dto.Indexes {
		s.Indexes = append(s.Indexes, IndexDef{Name: ixd.Name, Fields: ixd.Fields, Unique: ixd.Unique, Sparse: ixd.Sparse})
	}
	return s, nil
}
