package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// setupTestNATS starts an embedded NATS server with JetStream enabled
func setupTestNATS(t *testing.T) (*server.Server, string, func()) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("Failed to create NATS server: %v", err)
	}

	go ns.Start()

	// Wait for server to be ready
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	url := ns.ClientURL()

	cleanup := func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return ns, url, cleanup
}

func TestNewNATSLog(t *testing.T) {
	_, url, cleanup := setupTestNATS(t)
	defer cleanup()

	q, err := NewNATSLog(NATSConfig{URL: url})
	if err != nil {
		t.Fatalf("Failed to create NATS log: %v", err)
	}
	defer func() { _ = q.Close() }()

	if q.GetNATSConn() == nil {
		t.Fatal("NATS connection should not be nil")
	}
	if q.config.Topics.Partitions != 1 {
		t.Errorf("expected default partitions 1, got %d", q.config.Topics.Partitions)
	}
}

func TestNewNATSLog_InvalidURL(t *testing.T) {
	_, err := NewNATSLog(NATSConfig{URL: "nats://127.0.0.1:1"})
	if err == nil {
		t.Fatal("Expected error for unreachable NATS server")
	}
}

func TestNATSLog_EnsureTopicIdempotent(t *testing.T) {
	_, url, cleanup := setupTestNATS(t)
	defer cleanup()

	q, err := NewNATSLog(NATSConfig{URL: url})
	if err != nil {
		t.Fatalf("Failed to create NATS log: %v", err)
	}
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.EnsureTopic(ctx, "connector-position-topic"); err != nil {
			t.Fatalf("EnsureTopic attempt %d failed: %v", i, err)
		}
	}

	info, err := q.js.StreamInfo(streamName("connector-position-topic"))
	if err != nil {
		t.Fatalf("stream missing: %v", err)
	}
	if info.Config.Subjects[0] != "connector-position-topic" {
		t.Errorf("unexpected subjects: %v", info.Config.Subjects)
	}
}

func TestNATSLog_PublishSubscribeReplay(t *testing.T) {
	_, url, cleanup := setupTestNATS(t)
	defer cleanup()

	q, err := NewNATSLog(NATSConfig{URL: url})
	if err != nil {
		t.Fatalf("Failed to create NATS log: %v", err)
	}
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	topic := "connector-offset-topic"
	if err := q.EnsureTopic(ctx, topic); err != nil {
		t.Fatalf("EnsureTopic failed: %v", err)
	}

	// Published before anyone subscribes
	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, topic, []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	a := &collector{}
	if err := q.Subscribe(topic, "OffsetManage-a", a.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	b := &collector{}
	if err := q.Subscribe(topic, "OffsetManage-b", b.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := q.Publish(ctx, topic, []byte("m3")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(a.snapshot()) == 4 && len(b.snapshot()) == 4
	})

	for i, msg := range a.snapshot() {
		if msg != fmt.Sprintf("m%d", i) {
			t.Errorf("message %d: expected m%d, got %s", i, i, msg)
		}
	}
}

func TestNATSLog_UnsubscribeKeepsDurable(t *testing.T) {
	_, url, cleanup := setupTestNATS(t)
	defer cleanup()

	q, err := NewNATSLog(NATSConfig{URL: url})
	if err != nil {
		t.Fatalf("Failed to create NATS log: %v", err)
	}
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	topic := "connector-config-topic"
	_ = q.EnsureTopic(ctx, topic)

	first := &collector{}
	if err := q.Subscribe(topic, "ConfigManage-w1", first.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_ = q.Publish(ctx, topic, []byte("one"))
	waitFor(t, 5*time.Second, func() bool { return len(first.snapshot()) == 1 })

	if err := q.Unsubscribe(topic, "ConfigManage-w1"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if _, err := q.js.ConsumerInfo(streamName(topic), "ConfigManage-w1"); err != nil {
		t.Fatalf("durable consumer should survive unsubscribe: %v", err)
	}

	_ = q.Publish(ctx, topic, []byte("two"))

	second := &collector{}
	if err := q.Subscribe(topic, "ConfigManage-w1", second.handle); err != nil {
		t.Fatalf("re-Subscribe failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(second.snapshot()) == 1 })

	if got := second.snapshot()[0]; got != "two" {
		t.Errorf("expected to resume at two, got %s", got)
	}
}

func TestNATSLog_WithSharedConn(t *testing.T) {
	_, url, cleanup := setupTestNATS(t)
	defer cleanup()

	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	q, err := NewNATSLogWithConn(conn, NATSConfig{})
	if err != nil {
		t.Fatalf("Failed to create NATS log: %v", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if conn.IsClosed() {
		t.Error("Close should not close a connection it does not own")
	}
}

func TestNATSLog_DuplicateSubscribe(t *testing.T) {
	_, url, cleanup := setupTestNATS(t)
	defer cleanup()

	q, err := NewNATSLog(NATSConfig{URL: url})
	if err != nil {
		t.Fatalf("Failed to create NATS log: %v", err)
	}
	defer func() { _ = q.Close() }()

	_ = q.EnsureTopic(context.Background(), "dup-topic")

	c := &collector{}
	if err := q.Subscribe("dup-topic", "g", c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := q.Subscribe("dup-topic", "g", c.handle); err == nil {
		t.Error("expected error on duplicate subscription")
	}
	if err := q.Unsubscribe("dup-topic", "other"); err == nil {
		t.Error("expected error for unknown subscription")
	}
}
