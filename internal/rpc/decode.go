package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode unmarshals raw JSON into a request record, rejecting any field not
// present in T's struct tags (§6: "unknown fields are rejected"). Every
// dispatch entrypoint that accepts bytes off the wire — as opposed to an
// already-decoded Go struct from an in-process caller — should go through
// this instead of json.Unmarshal directly.
func Decode[T any](data []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode request: %w", err)
	}
	return out, nil
}
