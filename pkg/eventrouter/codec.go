package eventrouter

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec converts topic values to and from event payloads.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(payload []byte) (T, error)
}

// JSONCodec encodes values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

func (JSONCodec[T]) Decode(payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// StringCodec passes payloads through as UTF-8 text.
type StringCodec struct{}

func (StringCodec) Encode(value string) ([]byte, error) { return []byte(value), nil }
func (StringCodec) Decode(payload []byte) (string, error) { return string(payload), nil }

// BytesCodec passes payloads through untouched.
type BytesCodec struct{}

func (BytesCodec) Encode(value []byte) ([]byte, error)   { return value, nil }
func (BytesCodec) Decode(payload []byte) ([]byte, error) { return payload, nil }
