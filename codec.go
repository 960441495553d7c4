package xmesh

import (
	"encoding/json"
)

// Codec is the Strategy for encoding/decoding messages and snapshots.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation and the wire format.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// PrettyJSONCodec writes indented JSON; handy for file-backed history that people read.
type PrettyJSONCodec struct{}

func (PrettyJSONCodec) Marshal(v any) ([]byte, error)   { return json.MarshalIndent(v, "", "  ") }
func (PrettyJSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (PrettyJSONCodec) Name() string                    { return "json-pretty" }
