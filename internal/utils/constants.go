package utils

import "time"

// =============================================================================
// Timeout Constants
// =============================================================================

const (
	// DefaultOperationTimeout bounds broker admin and publish calls
	DefaultOperationTimeout = 3 * time.Second

	// DefaultDialTimeout is the timeout for establishing broker connections
	DefaultDialTimeout = 5 * time.Second

	// ConsumerPollWait is how long a consumer blocks waiting for new records
	ConsumerPollWait = 2 * time.Second

	// ConsumerErrorBackoff is the pause after a failed fetch before retrying
	ConsumerErrorBackoff = time.Second
)

// =============================================================================
// Retry Constants
// =============================================================================

const (
	// DefaultCommitRetries is the number of attempts to commit a consumed record
	DefaultCommitRetries = 3

	// DefaultRetryBackoff is the backoff between commit attempts
	DefaultRetryBackoff = 100 * time.Millisecond
)

// =============================================================================
// Store Constants
// =============================================================================

const (
	// DefaultPersistInterval is how often a store snapshot is written
	DefaultPersistInterval = 20 * time.Second

	// DefaultFetchBatch is the number of records pulled per consumer fetch
	DefaultFetchBatch = 16
)

// =============================================================================
// Queue Type Constants
// =============================================================================

// QueueType represents the type of shared log backend
type QueueType string

const (
	// QueueTypeKafka represents Apache Kafka (default)
	QueueTypeKafka QueueType = "kafka"

	// QueueTypeNATS represents NATS JetStream
	QueueTypeNATS QueueType = "nats"

	// QueueTypeRedis represents Redis Streams
	QueueTypeRedis QueueType = "redis"

	// QueueTypeMemory represents an in-process log (for testing)
	QueueTypeMemory QueueType = "memory"
)
