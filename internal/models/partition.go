package models

import (
	"encoding/json"
	"fmt"
)

// PartitionKey identifies one unit of synchronized state: a connector plus the
// source/sink partition its task is reading or writing.
//
// Partition holds the canonical JSON encoding of the partition attributes
// (encoding/json sorts map keys), so two keys built from equal attribute maps
// compare equal with == and survive any number of encode/decode round-trips.
type PartitionKey struct {
	Connector string `json:"connector"`
	Partition string `json:"partition"`
}

// NewPartitionKey builds a key from a connector name and partition attributes
func NewPartitionKey(connector string, partition map[string]interface{}) (PartitionKey, error) {
	if connector == "" {
		return PartitionKey{}, fmt.Errorf("connector name is required")
	}
	if partition == nil {
		partition = map[string]interface{}{}
	}
	data, err := json.Marshal(partition)
	if err != nil {
		return PartitionKey{}, fmt.Errorf("failed to encode partition: %w", err)
	}
	return PartitionKey{Connector: connector, Partition: string(data)}, nil
}

// MustPartitionKey is NewPartitionKey for literals known to be valid
func MustPartitionKey(connector string, partition map[string]interface{}) PartitionKey {
	key, err := NewPartitionKey(connector, partition)
	if err != nil {
		panic(err)
	}
	return key
}

// Attributes decodes the partition attributes
func (k PartitionKey) Attributes() (map[string]interface{}, error) {
	attrs := make(map[string]interface{})
	if k.Partition == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(k.Partition), &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode partition: %w", err)
	}
	return attrs, nil
}

func (k PartitionKey) String() string {
	return k.Connector + "/" + k.Partition
}

// Offset is the resumption position of a task within a partition.
// It is replaced wholesale on update, never merged field by field.
// Numbers read back from the log or a snapshot are json.Number.
type Offset map[string]interface{}
