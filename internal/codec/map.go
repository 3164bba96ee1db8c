package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// mapEntry is one encoded (key, value) pair. Keys are carried as raw JSON so
// that struct keys survive, which a JSON object could not express.
type mapEntry struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// MapCodec encodes a whole key-to-value mapping as a JSON array of entries.
// Both element codecs must produce JSON documents.
type MapCodec[K comparable, V any] struct {
	keys   Codec[K]
	values Codec[V]
}

// NewMapCodec creates a mapping codec from element codecs
func NewMapCodec[K comparable, V any](keys Codec[K], values Codec[V]) *MapCodec[K, V] {
	return &MapCodec[K, V]{keys: keys, values: values}
}

// NewJSONMapCodec creates a mapping codec whose keys and values use encoding/json
func NewJSONMapCodec[K comparable, V any]() *MapCodec[K, V] {
	return NewMapCodec[K, V](NewJSONCodec[K](), NewJSONCodec[V]())
}

// Encode implements Codec for map[K]V
func (c *MapCodec[K, V]) Encode(mapping map[K]V) ([]byte, error) {
	return c.EncodeMap(mapping)
}

// Decode implements Codec for map[K]V
func (c *MapCodec[K, V]) Decode(data []byte) (map[K]V, error) {
	return c.DecodeMap(data)
}

// EncodeMap serializes every entry of mapping. A nil mapping encodes like an empty one.
func (c *MapCodec[K, V]) EncodeMap(mapping map[K]V) ([]byte, error) {
	entries := make([]mapEntry, 0, len(mapping))
	for k, v := range mapping {
		kb, err := c.keys.Encode(k)
		if err != nil {
			return nil, err
		}
		vb, err := c.values.Encode(v)
		if err != nil {
			return nil, err
		}
		if !json.Valid(kb) || !json.Valid(vb) {
			return nil, fmt.Errorf("element codec must produce JSON for key %v", k)
		}
		entries = append(entries, mapEntry{Key: kb, Value: vb})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mapping: %w", err)
	}
	return data, nil
}

// DecodeMap parses bytes produced by EncodeMap.
// Truncated input, non-array input and duplicate keys are malformed.
func (c *MapCodec[K, V]) DecodeMap(data []byte) (map[K]V, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: mapping must be a JSON array", ErrMalformedPayload)
	}

	var entries []mapEntry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	mapping := make(map[K]V, len(entries))
	for i, entry := range entries {
		if entry.Key == nil {
			return nil, fmt.Errorf("%w: entry %d has no key", ErrMalformedPayload, i)
		}
		k, err := c.keys.Decode(entry.Key)
		if err != nil {
			return nil, err
		}
		if _, dup := mapping[k]; dup {
			return nil, fmt.Errorf("%w: duplicate key at entry %d", ErrMalformedPayload, i)
		}
		var v V
		if entry.Value != nil {
			if v, err = c.values.Decode(entry.Value); err != nil {
				return nil, err
			}
		}
		mapping[k] = v
	}
	return mapping, nil
}
