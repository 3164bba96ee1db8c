// Package codec serializes synchronized state: single keys and values, whole
// key-to-value mappings, and the envelope records exchanged on the shared log.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedPayload is returned when bytes cannot be decoded into a value.
// Inbound log traffic treats it as skippable; a local snapshot treats it as corruption.
var ErrMalformedPayload = errors.New("malformed payload")

// Codec converts values of type T to and from bytes.
// Decode(Encode(v)) must equal v for every value the system produces.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values with encoding/json
type JSONCodec[T any] struct{}

// NewJSONCodec creates a JSON codec for T
func NewJSONCodec[T any]() JSONCodec[T] {
	return JSONCodec[T]{}
}

// Encode marshals value to JSON
func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", value, err)
	}
	return data, nil
}

// Decode unmarshals JSON into a new T. Numbers landing in interface{} values
// stay json.Number, so integers beyond 2^53 keep every digit.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return value, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return value, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedPayload)
	}
	return value, nil
}
