// Package codec persists point-in-time snapshots of a ctrie Map as a
// self-describing stream of entries.
//
// The stream records the value codec name, the compression in use and
// whether the source map was read-only, so it can be validated and rebuilt
// on load. Codec selection is a breaking-change boundary: bytes written
// with one codec may not decode with another.
package codec

import "encoding/json"

// Codec encodes and decodes keys and values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
//
// Snapshots store the codec name in their header; it is resolved through
// ByName on load unless the caller supplies a custom codec with a matching
// name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	default:
		return nil, false
	}
}

// JSON is the standard-library JSON codec.
//
// It works for typical key and value types (strings, numbers, structs,
// slices); byte slices are base64-encoded. For custom encoding implement
// Codec and pass it via WithCodec on both ends.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used when none is configured.
var Default Codec = JSON{}
