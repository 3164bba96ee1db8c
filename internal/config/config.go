package config

import (
	"fmt"
	"time"
)

// Config represents the complete worker configuration
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Stores  StoresConfig  `mapstructure:"stores"`
	Etcd    EtcdConfig    `mapstructure:"etcd"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WorkerConfig identifies this worker inside the cluster
type WorkerConfig struct {
	WorkerID     string `mapstructure:"worker_id"`      // Unique per worker; generated when empty
	ClusterID    string `mapstructure:"cluster_id"`     // Logical cluster name
	StoreRootDir string `mapstructure:"store_root_dir"` // Root directory for snapshot files
}

// QueueConfig represents the shared log (message broker) configuration
type QueueConfig struct {
	Type     string `mapstructure:"type"`     // Queue type: kafka (default), nats, redis, memory
	URL      string `mapstructure:"url"`      // Server URL for nats/redis (e.g., nats://localhost:4222)
	Username string `mapstructure:"username"` // Optional authentication
	Password string `mapstructure:"password"` // Optional authentication

	// Redis-specific options
	RedisDB     int    `mapstructure:"redis_db"`     // Redis database number (default: 0)
	RedisStream string `mapstructure:"redis_stream"` // Redis stream prefix (default: "statesync")

	// Kafka-specific options
	KafkaBrokers []string `mapstructure:"kafka_brokers"` // Kafka broker addresses

	// Topic creation
	Partitions        int           `mapstructure:"partitions"`         // Partitions for auto-created topics (default: 1)
	ReplicationFactor int           `mapstructure:"replication_factor"` // Replicas for auto-created topics (default: 1)
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`  // Timeout for admin and publish calls (default: 3s)
}

// StoresConfig holds one entry per synchronized logical store
type StoresConfig struct {
	Position StoreConfig `mapstructure:"position"`
	Offset   StoreConfig `mapstructure:"offset"`
	Config   StoreConfig `mapstructure:"config"`
}

// StoreConfig configures a single synchronized store
type StoreConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Topic           string        `mapstructure:"topic"`            // Backing log topic
	PersistInterval time.Duration `mapstructure:"persist_interval"` // Snapshot cadence
	SyncInterval    time.Duration `mapstructure:"sync_interval"`    // Dirty-key flush cadence (default: persist_interval)
	Compress        bool          `mapstructure:"compress"`         // Snappy-compress snapshot and wire payloads
}

// EtcdConfig represents the optional membership registry configuration
type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LeaseTTL    int64         `mapstructure:"lease_ttl"` // seconds
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339, Unix, Kitchen
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Stores.Validate(); err != nil {
		return fmt.Errorf("stores config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates worker configuration
func (c *WorkerConfig) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}

	if c.StoreRootDir == "" {
		return fmt.Errorf("store_root_dir is required")
	}

	return nil
}

// Validate validates queue configuration
func (c *QueueConfig) Validate() error {
	validTypes := map[string]bool{
		"":       true,
		"kafka":  true,
		"nats":   true,
		"redis":  true,
		"memory": true,
	}

	if !validTypes[c.Type] {
		return fmt.Errorf("queue.type must be one of: kafka, nats, redis, memory")
	}

	if c.Partitions < 0 {
		return fmt.Errorf("queue.partitions cannot be negative")
	}

	if c.ReplicationFactor < 0 {
		return fmt.Errorf("queue.replication_factor cannot be negative")
	}

	return nil
}

// Validate validates every enabled store
func (c *StoresConfig) Validate() error {
	stores := map[string]*StoreConfig{
		"position": &c.Position,
		"offset":   &c.Offset,
		"config":   &c.Config,
	}

	for name, store := range stores {
		if err := store.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

// Validate validates a single store configuration
func (c *StoreConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}

	if c.PersistInterval <= 0 {
		return fmt.Errorf("persist_interval must be positive")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval cannot be negative")
	}

	return nil
}

// EffectiveSyncInterval returns SyncInterval, falling back to PersistInterval
func (c *StoreConfig) EffectiveSyncInterval() time.Duration {
	if c.SyncInterval > 0 {
		return c.SyncInterval
	}
	return c.PersistInterval
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	if c.LeaseTTL <= 0 {
		return fmt.Errorf("etcd.lease_ttl must be positive")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
