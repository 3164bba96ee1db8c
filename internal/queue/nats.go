package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/utils"
)

// NATSConfig represents NATS JetStream configuration
type NATSConfig struct {
	URL      string // Server URL (default: nats://127.0.0.1:4222)
	Username string // Optional authentication
	Password string // Optional authentication
	Topics   TopicConfig
	AckWait  time.Duration // Redelivery timeout for unacked records (default: 30s)
}

type natsSubscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NATSLog implements Log using NATS JetStream. Each topic is backed by its own
// file-stored stream and each group by a durable pull consumer.
type NATSLog struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	config        NATSConfig
	ownsConn      bool
	subscriptions map[string]*natsSubscription
	mu            sync.Mutex
	logger        *logging.Logger
}

// newNATSLog creates a new NATS log instance with JetStream enabled
func newNATSLog(cfg NATSConfig) (*NATSLog, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{nats.Name("statesync")}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	q, err := newNATSLogWithConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.ownsConn = true
	return q, nil
}

// newNATSLogWithConn creates a new NATS log on an existing connection (used in tests)
func newNATSLogWithConn(conn *nats.Conn, cfg NATSConfig) (*NATSLog, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cfg.Topics = cfg.Topics.withDefaults()
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}

	return &NATSLog{
		conn:          conn,
		js:            js,
		config:        cfg,
		subscriptions: make(map[string]*natsSubscription),
		logger:        logging.Global().With("component", "queue.nats"),
	}, nil
}

// streamName maps a topic to its JetStream stream
func streamName(topic string) string {
	return "statesync-" + sanitizeName(topic)
}

// EnsureTopic creates the stream backing topic if it does not exist
func (q *NATSLog) EnsureTopic(ctx context.Context, topic string) error {
	name := streamName(topic)

	_, err := q.js.StreamInfo(name, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrTopicUnavailable, topic, err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{topic},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		Replicas:  q.config.Topics.ReplicationFactor,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("%w: failed to create stream for %s: %v", ErrTopicUnavailable, topic, err)
	}

	q.logger.Info("Created JetStream stream", "topic", topic, "stream", name)
	return nil
}

// Publish appends a record and waits for the stream acknowledgement
func (q *NATSLog) Publish(ctx context.Context, topic string, data []byte) error {
	if _, err := q.js.Publish(topic, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", topic, err)
	}
	return nil
}

// Subscribe binds a pull subscription to the group's durable consumer.
// A new durable starts at the first record of the stream.
func (q *NATSLog) Subscribe(topic, group string, handler MessageHandler) error {
	key := subscriptionKey(topic, group)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to topic %s as group %s", topic, group)
	}

	stream := streamName(topic)
	durable := sanitizeName(group)

	if _, err := q.js.ConsumerInfo(stream, durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("failed to look up consumer %s: %w", durable, err)
		}
		_, err = q.js.AddConsumer(stream, &nats.ConsumerConfig{
			Durable:       durable,
			FilterSubject: topic,
			DeliverPolicy: nats.DeliverAllPolicy,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       q.config.AckWait,
			MaxAckPending: utils.DefaultFetchBatch,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer %s: %w", durable, err)
		}
	}

	// Bind so that unsubscribing leaves the durable and its position in place
	sub, err := q.js.PullSubscribe(topic, durable, nats.Bind(stream, durable))
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &natsSubscription{sub: sub, cancel: cancel, done: make(chan struct{})}
	q.subscriptions[key] = s

	go q.consume(ctx, topic, s, handler)

	q.logger.Info("Subscribed to NATS subject", "topic", topic, "group", group)
	return nil
}

// consume fetches batches and handles them in order, acking each record
// once its handler returns
func (q *NATSLog) consume(ctx context.Context, topic string, s *natsSubscription, handler MessageHandler) {
	defer close(s.done)

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, utils.ConsumerPollWait)
		msgs, err := s.sub.Fetch(utils.DefaultFetchBatch, nats.Context(fetchCtx))
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			q.logger.Error("Failed to fetch messages", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.ConsumerErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				// Unacked records are redelivered to the durable later
				return
			}
			if err := handler(ctx, msg.Data); err != nil {
				q.logger.Warn("Failed to handle message", "topic", topic, "error", err)
			}
			if err := msg.Ack(); err != nil {
				q.logger.Warn("Failed to ack message", "topic", topic, "error", err)
			}
		}
	}
}

// Unsubscribe stops fetching and waits for the in-flight batch to finish
func (q *NATSLog) Unsubscribe(topic, group string) error {
	key := subscriptionKey(topic, group)

	q.mu.Lock()
	s, exists := q.subscriptions[key]
	if !exists {
		q.mu.Unlock()
		return fmt.Errorf("not subscribed to topic %s as group %s", topic, group)
	}
	delete(q.subscriptions, key)
	q.mu.Unlock()

	s.cancel()
	<-s.done

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from subject %s: %w", topic, err)
	}

	q.logger.Info("Unsubscribed from NATS subject", "topic", topic, "group", group)
	return nil
}

// Close stops all subscriptions and closes the connection if this log opened it
func (q *NATSLog) Close() error {
	q.mu.Lock()
	subs := q.subscriptions
	q.subscriptions = make(map[string]*natsSubscription)
	q.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		<-s.done
		if err := s.sub.Unsubscribe(); err != nil {
			q.logger.Debug("Failed to unsubscribe", "error", err)
		}
	}

	if q.ownsConn {
		q.conn.Close()
	}
	return nil
}

// GetNATSConn returns the underlying NATS connection (for advanced usage)
func (q *NATSLog) GetNATSConn() *nats.Conn {
	return q.conn
}
