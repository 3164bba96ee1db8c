// Package queue adapts message brokers to the shared append-only log the
// synchronizers publish to and consume from.
package queue

import (
	"context"
	"errors"
)

// ErrTopicUnavailable is returned when a topic can neither be found nor created
var ErrTopicUnavailable = errors.New("topic unavailable")

// MessageHandler handles one record. Records of a subscription are handled
// serially, never concurrently with each other.
type MessageHandler func(ctx context.Context, data []byte) error

// Publisher appends records to a topic
type Publisher interface {
	// Publish appends data to topic; delivery to every group, the sender's included, is at-least-once
	Publish(ctx context.Context, topic string, data []byte) error
}

// Subscriber consumes a topic on behalf of a consumer group
type Subscriber interface {
	// Subscribe starts delivering records of topic from the earliest offset the group has not consumed
	Subscribe(topic, group string, handler MessageHandler) error

	// Unsubscribe stops delivery and waits for an in-flight handler call to return
	Unsubscribe(topic, group string) error
}

// Log is the shared append-only log
type Log interface {
	Publisher
	Subscriber

	// EnsureTopic creates topic if it does not exist yet; calling it again is a no-op
	EnsureTopic(ctx context.Context, topic string) error

	// Close releases every subscription and connection
	Close() error
}

// TopicConfig holds the settings used when a topic has to be created
type TopicConfig struct {
	Partitions        int
	ReplicationFactor int
}

func (c TopicConfig) withDefaults() TopicConfig {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	return c
}

// subscriptionKey identifies one (topic, group) subscription
func subscriptionKey(topic, group string) string {
	return topic + "|" + group
}

// sanitizeName replaces characters brokers reject in stream and consumer names.
// Names can only contain: A-Z, a-z, 0-9, dash (-) and underscore (_)
func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}
