package batch

import (
	"github.com/goccy/go-json"
)

// Codec turns items into queue payloads and back.
type Codec[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec stores items as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(item T) ([]byte, error) {
	return json.Marshal(item)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var item T
	err := json.Unmarshal(data, &item)
	return item, err
}

// Formatter renders a batch of items into one request body.
type Formatter[T any] func(items []T) ([]byte, error)

// JSONArray formats a batch as a JSON array.
func JSONArray[T any](items []T) ([]byte, error) {
	return json.Marshal(items)
}
