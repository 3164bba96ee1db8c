package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/utils"
)

const (
	redisDataField      = "data"
	redisConsumerName   = "worker"
	redisBootstrapGroup = "statesync-bootstrap"
)

// RedisConfig represents Redis Streams configuration
type RedisConfig struct {
	URL      string // Redis URL (e.g., redis://localhost:6379)
	Password string // Optional password
	DB       int    // Database number (default: 0)
	Stream   string // Stream prefix (default: "statesync")
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// RedisLog implements Log using Redis Streams. Groups map to stream
// consumer groups created at id 0, so a new group reads the full stream.
type RedisLog struct {
	client        *redis.Client
	config        RedisConfig
	subscriptions map[string]*redisSubscription
	mu            sync.Mutex
	logger        *logging.Logger
}

// newRedisLog creates a new Redis Streams log instance
func newRedisLog(cfg RedisConfig) (*RedisLog, error) {
	// Parse URL or use defaults
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// Fallback to simple options
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), utils.DefaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisLogWithClient(client, cfg), nil
}

// newRedisLogWithClient wraps an existing client (used in tests)
func newRedisLogWithClient(client *redis.Client, cfg RedisConfig) *RedisLog {
	if cfg.Stream == "" {
		cfg.Stream = "statesync"
	}

	return &RedisLog{
		client:        client,
		config:        cfg,
		subscriptions: make(map[string]*redisSubscription),
		logger:        logging.Global().With("component", "queue.redis"),
	}
}

// streamName converts a topic to a Redis stream key
func (q *RedisLog) streamName(topic string) string {
	return fmt.Sprintf("%s:%s", q.config.Stream, topic)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// EnsureTopic creates an empty stream for topic if the key does not exist.
// XGROUP CREATE MKSTREAM is the only way to create a stream without an entry,
// so a throwaway group is created and destroyed again.
func (q *RedisLog) EnsureTopic(ctx context.Context, topic string) error {
	stream := q.streamName(topic)

	n, err := q.client.Exists(ctx, stream).Result()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTopicUnavailable, topic, err)
	}
	if n > 0 {
		return nil
	}

	err = q.client.XGroupCreateMkStream(ctx, stream, redisBootstrapGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("%w: failed to create stream %s: %v", ErrTopicUnavailable, stream, err)
	}
	if err := q.client.XGroupDestroy(ctx, stream, redisBootstrapGroup).Err(); err != nil {
		q.logger.Debug("Failed to drop bootstrap group", "stream", stream, "error", err)
	}

	q.logger.Info("Created Redis stream", "topic", topic, "stream", stream)
	return nil
}

// Publish appends a record to the topic's stream
func (q *RedisLog) Publish(ctx context.Context, topic string, data []byte) error {
	stream := q.streamName(topic)

	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*", // Auto-generate ID
		Values: map[string]interface{}{
			redisDataField: data,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to Redis stream %s: %w", stream, err)
	}

	return nil
}

// Subscribe creates the consumer group if needed and reads the stream in the background
func (q *RedisLog) Subscribe(topic, group string, handler MessageHandler) error {
	key := subscriptionKey(topic, group)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to topic %s as group %s", topic, group)
	}

	stream := q.streamName(topic)

	ctx, cancel := context.WithTimeout(context.Background(), utils.DefaultOperationTimeout)
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	cancel()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}
	q.subscriptions[key] = sub

	go q.readStream(ctx, stream, group, handler, sub.done)

	q.logger.Info("Subscribed to Redis stream", "stream", stream, "group", group)
	return nil
}

// readStream first drains entries delivered to this consumer but never acked,
// then follows new entries
func (q *RedisLog) readStream(ctx context.Context, stream, group string, handler MessageHandler, done chan struct{}) {
	defer close(done)

	lastID := "0"
	for {
		if ctx.Err() != nil {
			return
		}

		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: redisConsumerName,
			Streams:  []string{stream, lastID},
			Count:    utils.DefaultFetchBatch,
		}
		if lastID == ">" {
			args.Block = utils.ConsumerPollWait
		}

		streams, err := q.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // No messages, continue polling
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Failed to read stream", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.ConsumerErrorBackoff):
			}
			continue
		}

		delivered, ackFailed := 0, false
		for _, s := range streams {
			for _, msg := range s.Messages {
				delivered++
				if ctx.Err() != nil {
					return
				}
				if err := q.handle(ctx, stream, group, msg, handler); err != nil {
					ackFailed = true
				}
			}
		}

		if lastID == "0" && delivered == 0 {
			lastID = ">"
		}

		// Unacked entries stay pending and come back on the next "0" read
		if ackFailed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.ConsumerErrorBackoff):
			}
		}
	}
}

// handle delivers one entry and acks it, returning the ack error
func (q *RedisLog) handle(ctx context.Context, stream, group string, msg redis.XMessage, handler MessageHandler) error {
	// A pending entry whose data was trimmed away arrives without values
	if data, ok := msg.Values[redisDataField].(string); ok {
		if err := handler(ctx, []byte(data)); err != nil {
			q.logger.Warn("Failed to handle message", "stream", stream, "id", msg.ID, "error", err)
		}
	} else {
		q.logger.Warn("Dropping stream entry without data", "stream", stream, "id", msg.ID)
	}

	if err := q.client.XAck(context.Background(), stream, group, msg.ID).Err(); err != nil {
		q.logger.Warn("Failed to ack message", "stream", stream, "id", msg.ID, "error", err)
		return err
	}
	return nil
}

// Unsubscribe stops reading and waits for the in-flight record
func (q *RedisLog) Unsubscribe(topic, group string) error {
	key := subscriptionKey(topic, group)

	q.mu.Lock()
	sub, exists := q.subscriptions[key]
	if !exists {
		q.mu.Unlock()
		return fmt.Errorf("not subscribed to topic %s as group %s", topic, group)
	}
	delete(q.subscriptions, key)
	q.mu.Unlock()

	sub.cancel()
	<-sub.done
	return nil
}

// Close stops all subscriptions and closes the Redis connection
func (q *RedisLog) Close() error {
	q.mu.Lock()
	subs := q.subscriptions
	q.subscriptions = make(map[string]*redisSubscription)
	q.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}

	return q.client.Close()
}
