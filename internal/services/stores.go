package services

import (
	"github.com/soltixdb/statesync/internal/codec"
	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/models"
	"github.com/soltixdb/statesync/internal/queue"
)

// Consumer group prefixes; the worker id is appended
const (
	GroupPrefixPosition = "PositionManage"
	GroupPrefixOffset   = "OffsetManage"
	GroupPrefixConfig   = "ConfigManage"
)

// Wire tag names per store. The position spelling is kept for compatibility
// with records already on existing topics.
var (
	PositionTags = codec.TagNames{Online: "ONLINE_KEY", Delta: "POSITION_CHANG_KEY"}
	OffsetTags   = codec.TagNames{Online: "ONLINE_KEY", Delta: "OFFSET_CHANGE_KEY"}
	ConfigTags   = codec.TagNames{Online: "ONLINE_KEY", Delta: "CONFIG_CHANGE_KEY"}
)

type (
	// PositionService tracks how far each source task has read
	PositionService = SyncService[models.PartitionKey, models.Offset]
	// OffsetService tracks what each sink task has committed
	OffsetService = SyncService[models.PartitionKey, models.Offset]
	// ConfigService replicates connector configurations by connector name
	ConfigService = SyncService[string, models.ConnectorConfig]
)

// NewPositionService creates the source position store
func NewPositionService(log queue.Log, worker config.WorkerConfig, store config.StoreConfig) *PositionService {
	return NewSyncService(log, Options[models.PartitionKey, models.Offset]{
		Name:         config.StoreNamePosition,
		Topic:        store.Topic,
		GroupPrefix:  GroupPrefixPosition,
		WorkerID:     worker.WorkerID,
		Tags:         PositionTags,
		SnapshotPath: worker.PositionPath(),
		Compress:     store.Compress,
		Keys:         codec.NewJSONCodec[models.PartitionKey](),
		Values:       codec.NewJSONCodec[models.Offset](),
	})
}

// NewOffsetService creates the sink offset store
func NewOffsetService(log queue.Log, worker config.WorkerConfig, store config.StoreConfig) *OffsetService {
	return NewSyncService(log, Options[models.PartitionKey, models.Offset]{
		Name:         config.StoreNameOffset,
		Topic:        store.Topic,
		GroupPrefix:  GroupPrefixOffset,
		WorkerID:     worker.WorkerID,
		Tags:         OffsetTags,
		SnapshotPath: worker.OffsetPath(),
		Compress:     store.Compress,
		Keys:         codec.NewJSONCodec[models.PartitionKey](),
		Values:       codec.NewJSONCodec[models.Offset](),
	})
}

// NewConfigService creates the connector configuration store
func NewConfigService(log queue.Log, worker config.WorkerConfig, store config.StoreConfig) *ConfigService {
	return NewSyncService(log, Options[string, models.ConnectorConfig]{
		Name:         config.StoreNameConfig,
		Topic:        store.Topic,
		GroupPrefix:  GroupPrefixConfig,
		WorkerID:     worker.WorkerID,
		Tags:         ConfigTags,
		SnapshotPath: worker.ConfigPath(),
		Compress:     store.Compress,
		Keys:         codec.NewJSONCodec[string](),
		Values:       codec.NewJSONCodec[models.ConnectorConfig](),
	})
}
