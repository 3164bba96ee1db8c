package queue

import (
	"fmt"
	"strings"

	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/utils"
)

// NewLog creates a Log based on configuration. Kafka is the default backend.
func NewLog(cfg config.QueueConfig) (Log, error) {
	queueType := utils.QueueType(strings.ToLower(strings.TrimSpace(cfg.Type)))

	if queueType == "" {
		queueType = utils.QueueTypeKafka
	}

	topics := TopicConfig{
		Partitions:        cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}.withDefaults()

	switch queueType {
	case utils.QueueTypeKafka:
		return newKafkaLog(KafkaConfig{
			Brokers:          cfg.KafkaBrokers,
			Topics:           topics,
			OperationTimeout: cfg.OperationTimeout,
		})

	case utils.QueueTypeNATS:
		return newNATSLog(NATSConfig{
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Topics:   topics,
		})

	case utils.QueueTypeRedis:
		return newRedisLog(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
		})

	case utils.QueueTypeMemory:
		return newMemoryLog(), nil

	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: kafka, nats, redis, memory)", queueType)
	}
}
