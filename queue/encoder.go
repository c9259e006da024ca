package queue

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for task payload serialization.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// decodeAPI keeps integers as int64 when decoding into interface values, so
// record ids survive a round trip without turning into float64.
var decodeAPI = sonic.Config{UseInt64: true}.Froze()

// JSONEncoder encodes with the standard library (sorted map keys, stable
// bytes) and decodes with sonic. A json.RawMessage payload is stored verbatim.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, &json.UnsupportedValueError{Str: "invalid raw message"}
		}
		return raw, nil
	}
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return decodeAPI.Unmarshal(data, v)
}
