// Package envelope defines the uniform wire document published to the
// downstream bus (spec §3, §6) and its JSON codec extensions: datetime →
// ISO-8601 string, Decimal → number, bytes → base64 (spec §4.6).
package envelope

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

// Meta is the envelope's routing/identity header.
type Meta struct {
	Customer        string `json:"customer"`
	DataSource      string `json:"data_source"`
	TableName       string `json:"table_name"`
	IsInitialImport *bool  `json:"is_initial_import"`
}

// Envelope is the {meta, data} document from spec §3/§6.
type Envelope struct {
	Meta Meta           `json:"meta"`
	Data map[string]any `json:"data"`
}

// New builds an Envelope, copying data so later caller-side mutation of
// the source row cannot change an already-constructed Envelope.
func New(customer, dataSource, table string, isInitialImport *bool, data map[string]any) Envelope {
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return Envelope{
		Meta: Meta{
			Customer:        customer,
			DataSource:      dataSource,
			TableName:       table,
			IsInitialImport: isInitialImport,
		},
		Data: cp,
	}
}

// Marshal serializes e to UTF-8 JSON, applying the datetime/Decimal/bytes
// extensions described in spec §4.6 to every value in Data.
func Marshal(e Envelope) ([]byte, error) {
	wire := struct {
		Meta Meta           `json:"meta"`
		Data map[string]any `json:"data"`
	}{
		Meta: e.Meta,
		Data: encodeValues(e.Data),
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling envelope")
	}
	return b, nil
}

// Unmarshal parses wire JSON back into an Envelope. Values that were
// encoded with an extension (time.Time, []byte) are returned as their
// plain JSON-decoded form (string, string); callers that round-trip
// through Marshal/Unmarshal for equality checks should compare against
// an Envelope built the same way, per spec §8's "envelope faithfulness"
// property.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Annotate(err, "unmarshalling envelope")
	}
	return e, nil
}

// encodeValues walks m and replaces extension types with their
// JSON-ready representations.
func encodeValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case decimal.Decimal:
		// decimal.Decimal.MarshalJSON quotes the value as a string unless
		// the package-level decimal.MarshalJSONWithoutQuotes is set, which
		// is a mutable global we don't want this codec to depend on. Emit
		// the bare number directly instead (spec §4.6).
		return json.RawMessage(x.String())
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return json.RawMessage(x.String())
	case []byte:
		// encoding/json already base64-encodes []byte, matching the
		// original JSONEncoder's bytes → base64 extension.
		return x
	case map[string]any:
		return encodeValues(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return v
	}
}
