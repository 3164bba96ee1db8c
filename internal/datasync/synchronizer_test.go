package datasync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/soltixdb/statesync/internal/codec"
	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTags = codec.TagNames{Online: "ONLINE_KEY", Delta: "POSITION_CHANG_KEY"}

type received struct {
	tag     codec.ChangeTag
	mapping map[string]int
	origin  string
}

type recorder struct {
	mu      sync.Mutex
	records []received
}

func (r *recorder) callback(ctx context.Context, tag codec.ChangeTag, mapping map[string]int, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, received{tag: tag, mapping: mapping, origin: origin})
}

func (r *recorder) snapshot() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.records...)
}

func newMemoryLog(t *testing.T) queue.Log {
	t.Helper()
	log, err := queue.NewLog(config.QueueConfig{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func newSync(log queue.Log, group, origin string, r *recorder) *BrokerLog[string, int] {
	return NewBrokerLog[string, int](log, Config{
		Topic:  "connector-position-topic",
		Group:  group,
		Origin: origin,
		Tags:   testTags,
	}, codec.NewJSONMapCodec[string, int](), r.callback)
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "PositionManage-w1", GroupName("PositionManage", "w1"))
}

func TestBrokerLog_SelfDelivery(t *testing.T) {
	log := newMemoryLog(t)
	r := &recorder{}
	s := newSync(log, "PositionManage-w1", "w1", r)

	ctx := context.Background()
	require.NoError(t, s.EnsureTopic(ctx))
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop() }()

	require.NoError(t, s.Send(ctx, codec.TagOnline, map[string]int{"a": 1}))
	require.NoError(t, s.Send(ctx, codec.TagDelta, map[string]int{"b": 2}))

	require.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	got := r.snapshot()
	assert.Equal(t, codec.TagOnline, got[0].tag)
	assert.Equal(t, map[string]int{"a": 1}, got[0].mapping)
	assert.Equal(t, "w1", got[0].origin)
	assert.Equal(t, codec.TagDelta, got[1].tag)
	assert.Equal(t, map[string]int{"b": 2}, got[1].mapping)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(2), stats.Received)
}

func TestBrokerLog_LateSubscriberReplays(t *testing.T) {
	log := newMemoryLog(t)
	ctx := context.Background()

	early := newSync(log, "PositionManage-w1", "w1", &recorder{})
	require.NoError(t, early.Start(ctx))
	defer func() { _ = early.Stop() }()
	require.NoError(t, early.Send(ctx, codec.TagDelta, map[string]int{"k1": 1}))

	r := &recorder{}
	late := newSync(log, "PositionManage-w2", "w2", r)
	require.NoError(t, late.Start(ctx))
	defer func() { _ = late.Stop() }()

	require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "w1", r.snapshot()[0].origin)
}

func TestBrokerLog_DropsBadRecords(t *testing.T) {
	log := newMemoryLog(t)
	r := &recorder{}
	s := newSync(log, "PositionManage-w1", "w1", r)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop() }()

	topic := "connector-position-topic"
	// Not an envelope at all
	require.NoError(t, log.Publish(ctx, topic, []byte{0xff, 0xff, 0xff}))
	// Unknown tag
	require.NoError(t, log.Publish(ctx, topic, codec.MarshalEnvelope(codec.Envelope{Tag: "REMOVE_KEY", Payload: []byte("[]")})))
	// Known tag, malformed payload
	require.NoError(t, log.Publish(ctx, topic, codec.MarshalEnvelope(codec.Envelope{Tag: "POSITION_CHANG_KEY", Payload: []byte("{")})))
	// A good record after the bad ones is still delivered
	require.NoError(t, s.Send(ctx, codec.TagDelta, map[string]int{"ok": 1}))

	require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{"ok": 1}, r.snapshot()[0].mapping)
	require.Eventually(t, func() bool { return s.Stats().Dropped == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestBrokerLog_SendUnknownTag(t *testing.T) {
	s := newSync(newMemoryLog(t), "g", "w1", &recorder{})
	err := s.Send(context.Background(), codec.TagUnknown, nil)
	assert.Error(t, err)
}

// failingLog rejects every publish
type failingLog struct {
	queue.Log
}

func (failingLog) Publish(ctx context.Context, topic string, data []byte) error {
	return errors.New("broker unavailable")
}

func TestBrokerLog_PublishFailed(t *testing.T) {
	log := failingLog{Log: newMemoryLog(t)}
	s := newSync(log, "g", "w1", &recorder{})

	err := s.Send(context.Background(), codec.TagDelta, map[string]int{"a": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestBrokerLog_StopWaitsForCallback(t *testing.T) {
	log := newMemoryLog(t)

	started := make(chan struct{})
	var mu sync.Mutex
	finished := false
	s := NewBrokerLog[string, int](log, Config{
		Topic: "t", Group: "g", Origin: "w1", Tags: testTags,
	}, codec.NewJSONMapCodec[string, int](), func(ctx context.Context, tag codec.ChangeTag, m map[string]int, origin string) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Send(ctx, codec.TagDelta, map[string]int{"a": 1}))

	<-started
	require.NoError(t, s.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished, "Stop returned before the callback finished")
}

func TestBrokerLog_StopIdempotentAndFinal(t *testing.T) {
	log := newMemoryLog(t)
	s := newSync(log, "g", "w1", &recorder{})

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Error(t, s.Start(context.Background()))
}

func TestBrokerLog_OwnsLog(t *testing.T) {
	log, err := queue.NewLog(config.QueueConfig{Type: "memory"})
	require.NoError(t, err)

	s := NewBrokerLog[string, int](log, Config{
		Topic: "t", Group: "g", Tags: testTags, OwnsLog: true,
	}, codec.NewJSONMapCodec[string, int](), (&recorder{}).callback)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	assert.Error(t, log.Publish(context.Background(), "t", []byte("x")), "log should be closed")
}

func TestBrokerLog_SnappyPayloadOverNATS(t *testing.T) {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "NATS server not ready")
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	log, err := queue.NewLog(config.QueueConfig{Type: "nats", URL: ns.ClientURL()})
	require.NoError(t, err)

	mapCodec := codec.NewSnappyCodec[map[string]int](codec.NewJSONMapCodec[string, int]())
	newNATSSync := func(group, origin string, r *recorder) *BrokerLog[string, int] {
		return NewBrokerLog[string, int](log, Config{
			Topic:  "connector-offset-topic",
			Group:  group,
			Origin: origin,
			Tags:   codec.TagNames{Online: "ONLINE_KEY", Delta: "OFFSET_CHANGE_KEY"},
		}, mapCodec, r.callback)
	}

	ctx := context.Background()
	r1, r2 := &recorder{}, &recorder{}
	s1 := newNATSSync("OffsetManage-w1", "w1", r1)
	s2 := newNATSSync("OffsetManage-w2", "w2", r2)

	require.NoError(t, s1.EnsureTopic(ctx))
	require.NoError(t, s1.Start(ctx))
	require.NoError(t, s1.Send(ctx, codec.TagDelta, map[string]int{"k1": 7}))
	require.NoError(t, s2.Start(ctx))

	require.Eventually(t, func() bool {
		return len(r1.snapshot()) == 1 && len(r2.snapshot()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, map[string]int{"k1": 7}, r2.snapshot()[0].mapping)

	require.NoError(t, s2.Stop())
	require.NoError(t, s1.Stop())
	require.NoError(t, log.Close())
}
