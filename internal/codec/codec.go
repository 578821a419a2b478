// Package codec encodes domain state to the blob form kept at the store
// boundary. State stays typed everywhere else.
package codec

import "encoding/json"

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default blob codec. Compact output: blobs are written and
// compared by machines, not read by humans.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
