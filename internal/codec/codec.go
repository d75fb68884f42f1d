// Package codec holds the on-disk encodings used by the durable store.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes persisted records.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec. Records stay human-readable in the database.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgPack is the compact binary codec. Struct fields are keyed by their json
// tag so both codecs share one field naming.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgPack) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// ByName resolves a codec from its configuration name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
