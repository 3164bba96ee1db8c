package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// Test-only helpers to reach the unexported constructors.

func NewNATSLog(cfg NATSConfig) (*NATSLog, error) {
	return newNATSLog(cfg)
}

func NewNATSLogWithConn(conn *nats.Conn, cfg NATSConfig) (*NATSLog, error) {
	return newNATSLogWithConn(conn, cfg)
}

func NewRedisLog(cfg RedisConfig) (*RedisLog, error) {
	return newRedisLog(cfg)
}

func NewKafkaLog(cfg KafkaConfig) (*KafkaLog, error) {
	return newKafkaLog(cfg)
}

func NewMemoryLog() *MemoryLog {
	return newMemoryLog()
}

// collector records delivered payloads in order
type collector struct {
	mu       sync.Mutex
	received []string
}

func (c *collector) handle(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, string(data))
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
