package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/utils"
)

// KafkaConfig represents Apache Kafka configuration
type KafkaConfig struct {
	Brokers          []string      // Kafka broker addresses
	Topics           TopicConfig   // Settings for auto-created topics
	BatchTimeout     time.Duration // Batch timeout for producer (default: 10ms)
	RequiredAcks     int           // Required acks: 0=none, 1=leader, -1=all (default: -1)
	MaxRetries       int           // Max producer attempts (default: 3)
	RetryBackoff     time.Duration // Backoff between commit retries (default: 100ms)
	CommitRetries    int           // Consumer commit retries (default: 3)
	OperationTimeout time.Duration // Timeout for admin calls (default: 3s)
}

type kafkaSubscription struct {
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// KafkaLog implements Log using Apache Kafka. Every group reads the topic
// independently, starting from the first retained offset when it has no commit.
type KafkaLog struct {
	config        KafkaConfig
	writers       map[string]*kafka.Writer
	subscriptions map[string]*kafkaSubscription
	mu            sync.RWMutex
	logger        *logging.Logger
}

// newKafkaLog creates a new Kafka log instance
func newKafkaLog(cfg KafkaConfig) (*KafkaLog, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	// Apply defaults
	cfg.Topics = cfg.Topics.withDefaults()
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = int(kafka.RequireAll)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = utils.DefaultCommitRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = utils.DefaultRetryBackoff
	}
	if cfg.CommitRetries == 0 {
		cfg.CommitRetries = utils.DefaultCommitRetries
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = utils.DefaultOperationTimeout
	}

	return &KafkaLog{
		config:        cfg,
		writers:       make(map[string]*kafka.Writer),
		subscriptions: make(map[string]*kafkaSubscription),
		logger:        logging.Global().With("component", "queue.kafka"),
	}, nil
}

// EnsureTopic checks the topic metadata on the controller and creates the
// topic with the configured partition and replica counts when it is missing.
func (q *KafkaLog) EnsureTopic(ctx context.Context, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	conn, err := q.dialController(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTopicUnavailable, topic, err)
	}
	defer func() { _ = conn.Close() }()

	partitions, err := conn.ReadPartitions(topic)
	if err == nil && len(partitions) > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("%w: %s: %v", ErrTopicUnavailable, topic, err)
	}

	q.logger.Info("Creating topic", "topic", topic,
		"partitions", q.config.Topics.Partitions,
		"replication_factor", q.config.Topics.ReplicationFactor)

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     q.config.Topics.Partitions,
		ReplicationFactor: q.config.Topics.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("%w: failed to create %s: %v", ErrTopicUnavailable, topic, err)
	}
	return nil
}

// dialController connects to the cluster controller, which handles topic creation
func (q *KafkaLog) dialController(ctx context.Context) (*kafka.Conn, error) {
	var lastErr error
	for _, broker := range q.config.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		controller, err := conn.Controller()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
		controllerConn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return controllerConn, nil
	}
	return nil, fmt.Errorf("no reachable kafka controller: %w", lastErr)
}

// getOrCreateWriter returns existing writer or creates a new one for the topic
func (q *KafkaLog) getOrCreateWriter(topic string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if writer, exists := q.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(q.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           q.config.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(q.config.RequiredAcks),
		MaxAttempts:            q.config.MaxRetries,
		AllowAutoTopicCreation: false,
	}

	q.writers[topic] = writer
	return writer
}

// Publish writes one record synchronously so a broker rejection reaches the caller
func (q *KafkaLog) Publish(ctx context.Context, topic string, data []byte) error {
	writer := q.getOrCreateWriter(topic)

	msg := kafka.Message{
		Value: data,
		Time:  time.Now(),
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the consumer group and consumes the topic in the background
func (q *KafkaLog) Subscribe(topic, group string, handler MessageHandler) error {
	key := subscriptionKey(topic, group)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to topic %s as group %s", topic, group)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           q.config.Brokers,
		GroupID:           group,
		Topic:             topic,
		MinBytes:          1,
		MaxBytes:          10e6, // 10MB
		MaxWait:           utils.ConsumerPollWait,
		StartOffset:       kafka.FirstOffset,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		RebalanceTimeout:  60 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			q.logger.Debug(fmt.Sprintf(msg, args...))
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	sub := &kafkaSubscription{reader: reader, cancel: cancel, done: make(chan struct{})}
	q.subscriptions[key] = sub

	go q.consume(ctx, sub, handler)

	q.logger.Info("Subscribed to Kafka topic", "topic", topic, "group", group)
	return nil
}

// consume reads records in a loop. A record is committed after the handler
// returns, whatever the outcome, so a bad record cannot stall the partition.
func (q *KafkaLog) consume(ctx context.Context, sub *kafkaSubscription, handler MessageHandler) {
	defer close(sub.done)
	topic := sub.reader.Config().Topic

	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("Failed to fetch message", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.ConsumerErrorBackoff):
			}
			continue
		}

		if err := handler(ctx, msg.Value); err != nil {
			q.logger.Warn("Failed to handle message", "topic", topic,
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
		}

		for i := 0; i < q.config.CommitRetries; i++ {
			if err := sub.reader.CommitMessages(ctx, msg); err == nil {
				break
			} else if ctx.Err() != nil {
				return
			} else {
				q.logger.Warn("Failed to commit message", "topic", topic, "offset", msg.Offset, "error", err)
			}
			time.Sleep(q.config.RetryBackoff)
		}
	}
}

// Unsubscribe stops the consumer, waits for the in-flight record, and leaves the group
func (q *KafkaLog) Unsubscribe(topic, group string) error {
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

	if err := sub.reader.Close(); err != nil {
		q.logger.Warn("Failed to close reader", "topic", topic, "error", err)
	}

	q.logger.Info("Unsubscribed from Kafka topic", "topic", topic, "group", group)
	return nil
}

// Close closes all Kafka readers and writers
func (q *KafkaLog) Close() error {
	q.mu.Lock()
	subs := q.subscriptions
	writers := q.writers
	q.subscriptions = make(map[string]*kafkaSubscription)
	q.writers = make(map[string]*kafka.Writer)
	q.mu.Unlock()

	var lastErr error

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
		if err := sub.reader.Close(); err != nil {
			lastErr = err
		}
	}

	for _, writer := range writers {
		if err := writer.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}
