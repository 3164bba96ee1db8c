package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltixdb/statesync/internal/logging"
)

// memoryTopic is an append-only record list with one committed cursor per group
type memoryTopic struct {
	records [][]byte
	cursors map[string]int
	// appended is closed and replaced on every append to wake consumers
	appended chan struct{}
}

type memorySubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryLog implements Log in process. Topics retain every record, so a group
// that subscribes late replays history from its last committed position.
// This is useful for testing and single-process development.
type MemoryLog struct {
	topics        map[string]*memoryTopic
	subscriptions map[string]*memorySubscription
	closed        bool
	mu            sync.Mutex
	logger        *logging.Logger
}

// newMemoryLog creates a new in-memory log instance
func newMemoryLog() *MemoryLog {
	return &MemoryLog{
		topics:        make(map[string]*memoryTopic),
		subscriptions: make(map[string]*memorySubscription),
		logger:        logging.Global().With("component", "queue.memory"),
	}
}

// topicLocked returns the topic, creating it on first use. Caller holds q.mu.
func (q *MemoryLog) topicLocked(topic string) *memoryTopic {
	t, ok := q.topics[topic]
	if !ok {
		t = &memoryTopic{
			cursors:  make(map[string]int),
			appended: make(chan struct{}),
		}
		q.topics[topic] = t
	}
	return t
}

// EnsureTopic creates the topic if missing
func (q *MemoryLog) EnsureTopic(ctx context.Context, topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: memory log closed", ErrTopicUnavailable)
	}
	q.topicLocked(topic)
	return nil
}

// Publish appends a copy of data to the topic
func (q *MemoryLog) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("memory log closed")
	}

	t := q.topicLocked(topic)
	t.records = append(t.records, dataCopy)
	close(t.appended)
	t.appended = make(chan struct{})
	return nil
}

// Subscribe delivers records of topic starting at the group's committed cursor
func (q *MemoryLog) Subscribe(topic, group string, handler MessageHandler) error {
	key := subscriptionKey(topic, group)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("memory log closed")
	}
	if _, exists := q.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to topic %s as group %s", topic, group)
	}

	q.topicLocked(topic)
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{cancel: cancel, done: make(chan struct{})}
	q.subscriptions[key] = sub

	go q.consume(ctx, topic, group, handler, sub.done)

	q.logger.Debug("Subscribed to in-memory topic", "topic", topic, "group", group)
	return nil
}

// consume hands records to handler one at a time, committing after each
func (q *MemoryLog) consume(ctx context.Context, topic, group string, handler MessageHandler, done chan struct{}) {
	defer close(done)

	for {
		q.mu.Lock()
		t := q.topicLocked(topic)
		cursor := t.cursors[group]
		if cursor >= len(t.records) {
			wait := t.appended
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wait:
				continue
			}
		}
		record := t.records[cursor]
		q.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if err := handler(ctx, record); err != nil {
			q.logger.Warn("Failed to handle message", "topic", topic, "group", group, "offset", cursor, "error", err)
		}

		q.mu.Lock()
		t.cursors[group] = cursor + 1
		q.mu.Unlock()
	}
}

// Unsubscribe stops the group's consumer and waits for it to exit
func (q *MemoryLog) Unsubscribe(topic, group string) error {
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

	q.logger.Debug("Unsubscribed from in-memory topic", "topic", topic, "group", group)
	return nil
}

// Close stops every subscription. Retained records are kept but the log refuses further use.
func (q *MemoryLog) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	subs := q.subscriptions
	q.subscriptions = make(map[string]*memorySubscription)
	q.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// RecordCount returns the number of records retained for topic (for testing)
func (q *MemoryLog) RecordCount(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.topics[topic]; ok {
		return len(t.records)
	}
	return 0
}

// Records returns copies of the records retained for topic (for testing)
func (q *MemoryLog) Records(topic string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok {
		return nil
	}
	out := make([][]byte, len(t.records))
	for i, r := range t.records {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

// Lag returns how many records group has not consumed yet (for testing)
func (q *MemoryLog) Lag(topic, group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok {
		return 0
	}
	return len(t.records) - t.cursors[group]
}
