package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyCodec compresses the output of an inner codec with Snappy
type SnappyCodec[T any] struct {
	inner Codec[T]
}

// NewSnappyCodec wraps inner with Snappy compression
func NewSnappyCodec[T any](inner Codec[T]) *SnappyCodec[T] {
	return &SnappyCodec[T]{inner: inner}
}

// Encode encodes with the inner codec and compresses the result
func (s *SnappyCodec[T]) Encode(value T) ([]byte, error) {
	data, err := s.inner.Encode(value)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

// Decode decompresses data and decodes it with the inner codec
func (s *SnappyCodec[T]) Decode(data []byte) (T, error) {
	decompressed, err := snappy.Decode(nil, data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: snappy decompress failed: %v", ErrMalformedPayload, err)
	}
	return s.inner.Decode(decompressed)
}
