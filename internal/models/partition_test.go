package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPartitionKey_Canonical(t *testing.T) {
	a, err := NewPartitionKey("jdbc-source", map[string]interface{}{"table": "orders", "db": "shop"})
	require.NoError(t, err)
	b, err := NewPartitionKey("jdbc-source", map[string]interface{}{"db": "shop", "table": "orders"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"db":"shop","table":"orders"}`, a.Partition)
}

func TestNewPartitionKey_RequiresConnector(t *testing.T) {
	_, err := NewPartitionKey("", map[string]interface{}{"a": 1})
	assert.Error(t, err)
}

func TestNewPartitionKey_NilPartition(t *testing.T) {
	key, err := NewPartitionKey("c", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", key.Partition)
}

func TestPartitionKey_JSONRoundTrip(t *testing.T) {
	key := MustPartitionKey("file-source", map[string]interface{}{"file": "/var/log/a.log"})

	data, err := json.Marshal(key)
	require.NoError(t, err)

	var decoded PartitionKey
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, key == decoded)
}

func TestPartitionKey_Attributes(t *testing.T) {
	key := MustPartitionKey("c", map[string]interface{}{"file": "a.log"})

	attrs, err := key.Attributes()
	require.NoError(t, err)
	assert.Equal(t, "a.log", attrs["file"])

	attrs, err = PartitionKey{Connector: "c"}.Attributes()
	require.NoError(t, err)
	assert.Empty(t, attrs)

	_, err = PartitionKey{Connector: "c", Partition: "{broken"}.Attributes()
	assert.Error(t, err)
}

func TestPartitionKey_String(t *testing.T) {
	key := MustPartitionKey("c", map[string]interface{}{"p": 1})
	assert.Equal(t, `c/{"p":1}`, key.String())
}
