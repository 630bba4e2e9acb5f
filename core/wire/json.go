package wire

import "github.com/fxamacker/cbor/v2"

// EncodeStructured marshals v into a Packet payload tagged TypeJSON. Every
// "structured payload" in this codebase is CBOR on the wire, the same
// choice the teacher makes throughout its cborplugin packages, rather than
// encoding/json.
func EncodeStructured(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeStructured unmarshals a TypeJSON payload into v.
func DecodeStructured(payload []byte, v interface{}) error {
	return cbor.Unmarshal(payload, v)
}
