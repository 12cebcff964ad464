package protocol

import (
	"context"
	"encoding/json"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/veddberr"
)

// connCtx gives every handler a background context; connection-scoped
// cancellation (socket close) is handled by the caller dropping the
// response, not by cancelling in-flight engine calls (a WAL append past
// its fsync is not cancellable per §5).
func connCtx() context.Context { return context.Background() }

func decodeDocWire(raw []byte) (*document.Document, error) {
	var w docWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, veddberr.Wrap(veddberr.KindInput, "InvalidQuery", "malformed document payload", err)
	}
	return wireToDoc(&w), nil
}

func encodeDocWire(doc *document.Document) ([]byte, error) {
	return json.Marshal(docToWire(doc))
}

func wireToDoc(w *docWire) *document.Document {
	doc := document.New()
	if w.ID != "" {
		if id, err := document.ParseID(w.ID); err == nil {
			doc.ID = id
		}
	}
	for k, v := range w.Fields {
		doc.Fields.Set(k, toValue(v))
	}
	return doc
}

func docToWire(doc *document.Document) *docWire {
	fields := make(map[string]interface{}, doc.Fields.Len())
	for _, k := range doc.Fields.Keys() {
		v, _ := doc.Fields.Get(k)
		fields[k] = fromValue(v)
	}
	return &docWire{ID: doc.ID.String(), Fields: fields}
}

func toValue(v interface{}) document.Value {
	switch x := v.(type) {
	case nil:
		return document.Null()
	case bool:
		return document.Bool(x)
	case float64:
		if x == float64(int64(x)) {
			return document.Int64(int64(x))
		}
		return document.Float64(x)
	case string:
		return document.String(x)
	case []interface{}:
		vals := make([]document.Value, len(x))
		for i, e := range x {
			vals[i] = toValue(e)
		}
		return document.Array(vals...)
	case map[string]interface{}:
		obj := document.NewObject()
		for k, e := range x {
			obj.Set(k, toValue(e))
		}
		return document.Obj(obj)
	default:
		return document.Null()
	}
}

func fromValue(v document.Value) interface{} {
	switch v.Kind {
	case document.KindNull:
		return nil
	case document.KindBool:
		return v.Bool
	case document.KindInt32:
		return v.Int32
	case document.KindInt64:
		return v.Int64
	case document.KindFloat64:
		return v.Float64
	case document.KindString:
		return v.Str
	case document.KindBinary:
		return v.Bin
	case document.KindArray:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = fromValue(e)
		}
		return out
	case document.KindObject:
		out := map[string]interface{}{}
		if v.Object != nil {
			for _, k := range v.Object.Keys() {
				e, _ := v.Object.Get(k)
				out[k] = fromValue(e)
			}
		}
		return out
	case document.KindDateTime:
		return v.DateTime
	default:
		return nil
	}
}
