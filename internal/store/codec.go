package store

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MarshalValue encodes a parameter value for persistence.
func MarshalValue(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// UnmarshalValue decodes a value written by MarshalValue. Integers decode as
// int64, floats as float64 and maps as map[string]any.
func UnmarshalValue(b []byte) (any, error) {
	var v any
	if err := newDecoder(b).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func marshalValues(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	b, err := msgpack.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode param values: %w", err)
	}
	return b, nil
}

func unmarshalValues(b []byte) (map[string]any, error) {
	values := make(map[string]any)
	if len(b) == 0 {
		return values, nil
	}
	if err := newDecoder(b).Decode(&values); err != nil {
		return nil, fmt.Errorf("decode param values: %w", err)
	}
	return values, nil
}

func encodeContext(tc *TokenContext) ([]byte, error) {
	b, err := msgpack.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("encode token %s: %w", tc.ID, err)
	}
	return b, nil
}

func decodeContext(b []byte) (*TokenContext, error) {
	tc := &TokenContext{}
	if err := newDecoder(b).Decode(tc); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if tc.ParamValues == nil {
		tc.ParamValues = make(map[string]any)
	}
	return tc, nil
}

func newDecoder(b []byte) *msgpack.Decoder {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	return dec
}
