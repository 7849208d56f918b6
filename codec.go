package ktable

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Tombstone is the value marking a deleted table entry in the changelog.
const Tombstone = "-DELETED-"

// offsetKey is the reserved store key holding the changelog position the
// store has applied, as decimal text.
const offsetKey = "offset"

// Encode turns a table value into bytes. Byte slices and strings pass
// through unchanged; anything else is encoded as JSON.
func Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("ktable: cannot encode nil table value")
	case []byte:
		// Never nil, a nil store value is a delete.
		return append([]byte{}, v...), nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return append([]byte{}, v...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("ktable: encode table value: %w", err)
		}
		return b, nil
	}
}

// DecodeResult is either a decoded structured value (JSON object or array)
// or the raw bytes of a scalar.
type DecodeResult struct {
	raw     []byte
	value   any
	decoded bool
}

// Decode never fails: bytes that are not a JSON object or array are
// returned as Raw.
func Decode(b []byte) DecodeResult {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return DecodeResult{raw: b, value: v, decoded: true}
		}
	}
	return DecodeResult{raw: b}
}

// Decoded reports whether the value was structured.
func (r DecodeResult) Decoded() bool { return r.decoded }

// Value returns the decoded value, or the raw bytes for scalars.
func (r DecodeResult) Value() any {
	if r.decoded {
		return r.value
	}
	return r.raw
}

func (r DecodeResult) Raw() []byte { return r.raw }

func (r DecodeResult) String() string { return string(r.raw) }

// Into unmarshals a structured value into v.
func (r DecodeResult) Into(v any) error {
	if !r.decoded {
		return fmt.Errorf("ktable: value %q is not structured", r.raw)
	}
	return json.Unmarshal(r.raw, v)
}
