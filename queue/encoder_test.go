package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_Roundtrip(t *testing.T) {
	enc := &JSONEncoder{}
	type P struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	in := P{A: 42, B: "x"}
	data, err := enc.Encode(in)
	require.NoError(t, err)

	var out P
	require.NoError(t, enc.Decode(data, &out))
	require.Equal(t, in, out)
}

func TestJSONEncoder_RawMessageVerbatim(t *testing.T) {
	enc := &JSONEncoder{}
	raw := json.RawMessage(`["res.partner",[7],"write"]`)
	data, err := enc.Encode(raw)
	require.NoError(t, err)
	require.Equal(t, []byte(raw), data)

	_, err = enc.Encode(json.RawMessage(`{`))
	require.Error(t, err)
}

func TestJSONEncoder_DecodeKeepsInt64(t *testing.T) {
	var out []any
	require.NoError(t, (&JSONEncoder{}).Decode([]byte(`[9007199254740993, 1.5]`), &out))
	require.Equal(t, int64(9007199254740993), out[0])
	require.Equal(t, 1.5, out[1])
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	var out struct{ A int }
	require.Error(t, (&JSONEncoder{}).Decode([]byte("{"), &out))
}
