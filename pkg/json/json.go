package json

import jsoniter "github.com/json-iterator/go"

// JSON is the jsoniter instance used throughout the codebase. Drop-in
// compatible with encoding/json, so cached payloads stay readable by
// standard tooling.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// MarshalToString is a shorthand for JSON.MarshalToString
	MarshalToString = JSON.MarshalToString

	// UnmarshalFromString is a shorthand for JSON.UnmarshalFromString
	UnmarshalFromString = JSON.UnmarshalFromString

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder
)

// RawMessage is a raw encoded JSON value, re-exported so callers do not
// need both this package and encoding/json.
type RawMessage = jsoniter.RawMessage

// MustMarshalString marshals v and panics on failure. Reserved for
// values the caller constructed itself (registry metadata, enum maps),
// never for user input.
func MustMarshalString(v interface{}) string {
	s, err := MarshalToString(v)
	if err != nil {
		panic(err)
	}
	return s
}
