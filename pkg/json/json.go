// Package json pins the jsoniter API used for all wire and registry
// serialization so the codec can be swapped in one place.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var (
	// JSON is the jsoniter instance used throughout the codebase.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal.
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal.
	Unmarshal = JSON.Unmarshal

	// NewEncoder is a shorthand for JSON.NewEncoder.
	NewEncoder = JSON.NewEncoder

	// NewDecoder is a shorthand for JSON.NewDecoder.
	NewDecoder = JSON.NewDecoder

	// Valid reports whether data is syntactically valid JSON.
	Valid = JSON.Valid
)

// RawMessage is the standard library raw JSON value; jsoniter handles it
// natively, and the alias keeps structs interoperable with encoding/json
// consumers (websocket helpers, third-party clients).
type RawMessage = stdjson.RawMessage
