// Package cborcodec provides the canonical CBOR encoding used to serialize
// the file manifest onto the wire. Canonical mode (deterministic key order)
// keeps the serialized form reproducible for size-cap checks and logging.
package cborcodec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// mode is the canonical CBOR encoding mode: deterministic map key order,
// shortest-form integers, no indefinite-length items.
var mode cbor.EncMode

func init() {
	var err error
	mode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cborcodec: failed to build canonical encoding mode: %v", err))
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return mode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
