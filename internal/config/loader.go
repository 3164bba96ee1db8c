package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/soltixdb/statesync/internal/utils"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/statesync")
	}

	setDefaults(v)

	// Enable environment variable overrides (STATESYNC_WORKER_WORKER_ID, ...)
	v.SetEnvPrefix("STATESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; use defaults
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Worker defaults
	v.SetDefault("worker.worker_id", "")
	v.SetDefault("worker.cluster_id", "DefaultConnectCluster")
	v.SetDefault("worker.store_root_dir", "./connectorStore")

	// Queue defaults
	v.SetDefault("queue.type", "kafka")
	v.SetDefault("queue.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("queue.partitions", 1)
	v.SetDefault("queue.replication_factor", 1)
	v.SetDefault("queue.operation_timeout", utils.DefaultOperationTimeout)

	// Store defaults
	v.SetDefault("stores.position.enabled", true)
	v.SetDefault("stores.position.topic", "connector-position-topic")
	v.SetDefault("stores.position.persist_interval", utils.DefaultPersistInterval)
	v.SetDefault("stores.offset.enabled", true)
	v.SetDefault("stores.offset.topic", "connector-offset-topic")
	v.SetDefault("stores.offset.persist_interval", utils.DefaultPersistInterval)
	v.SetDefault("stores.config.enabled", true)
	v.SetDefault("stores.config.topic", "connector-config-topic")
	v.SetDefault("stores.config.persist_interval", utils.DefaultPersistInterval)

	// Etcd defaults
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"http://localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.lease_ttl", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Each worker needs its own consumer group, so an unset id gets a random one
	if cfg.Worker.WorkerID == "" {
		cfg.Worker.WorkerID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns default configuration backed by the in-memory queue
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			WorkerID:     uuid.NewString(),
			ClusterID:    "DefaultConnectCluster",
			StoreRootDir: "./connectorStore",
		},
		Queue: QueueConfig{
			Type:              "memory",
			Partitions:        1,
			ReplicationFactor: 1,
			OperationTimeout:  utils.DefaultOperationTimeout,
		},
		Stores: StoresConfig{
			Position: StoreConfig{
				Enabled:         true,
				Topic:           "connector-position-topic",
				PersistInterval: utils.DefaultPersistInterval,
			},
			Offset: StoreConfig{
				Enabled:         true,
				Topic:           "connector-offset-topic",
				PersistInterval: utils.DefaultPersistInterval,
			},
			Config: StoreConfig{
				Enabled:         true,
				Topic:           "connector-config-topic",
				PersistInterval: utils.DefaultPersistInterval,
			},
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
