package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soltixdb/statesync/internal/codec"
	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/queue"
	"github.com/stretchr/testify/require"
)

const testTopic = "connector-position-topic"

var testTags = codec.TagNames{Online: "ONLINE_KEY", Delta: "POSITION_CHANG_KEY"}

func newMemoryLog(t *testing.T) *queue.MemoryLog {
	t.Helper()
	log, err := queue.NewLog(config.QueueConfig{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log.(*queue.MemoryLog)
}

func testOptions(workerID, dir string) Options[string, int] {
	return Options[string, int]{
		Name:         "position",
		Topic:        testTopic,
		GroupPrefix:  GroupPrefixPosition,
		WorkerID:     workerID,
		Tags:         testTags,
		SnapshotPath: filepath.Join(dir, "position", "positionStore.json"),
		Keys:         codec.NewJSONCodec[string](),
		Values:       codec.NewJSONCodec[int](),
	}
}

func newTestService(t *testing.T, log queue.Log, workerID, dir string) *SyncService[string, int] {
	t.Helper()
	return NewSyncService(log, testOptions(workerID, dir))
}

// startService initializes and starts s, then waits until the startup
// Online/Delta exchange has been consumed
func startService(t *testing.T, s *SyncService[string, int], log *queue.MemoryLog) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Start(ctx))
	waitIdle(t, log, s)
}

// waitIdle waits until the service's group has consumed everything on the topic
func waitIdle(t *testing.T, log *queue.MemoryLog, services ...*SyncService[string, int]) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range services {
			if log.Lag(testTopic, groupOf(s)) != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func groupOf(s *SyncService[string, int]) string {
	return GroupPrefixPosition + "-" + s.opts.WorkerID
}

type record struct {
	tag     codec.ChangeTag
	origin  string
	mapping map[string]int
}

// records decodes everything published on the test topic
func records(t *testing.T, log *queue.MemoryLog) []record {
	t.Helper()
	mc := codec.NewJSONMapCodec[string, int]()

	var out []record
	for _, data := range log.Records(testTopic) {
		env, err := codec.UnmarshalEnvelope(data)
		require.NoError(t, err)
		mapping, err := mc.Decode(env.Payload)
		require.NoError(t, err)
		out = append(out, record{tag: testTags.Parse(env.Tag), origin: env.Origin, mapping: mapping})
	}
	return out
}

// switchableLog fails publishes while failing is set
type switchableLog struct {
	queue.Log
	failing atomic.Bool
}

func (l *switchableLog) Publish(ctx context.Context, topic string, data []byte) error {
	if l.failing.Load() {
		return errors.New("broker unavailable")
	}
	return l.Log.Publish(ctx, topic, data)
}

// countingListener counts notifications
type countingListener struct {
	calls atomic.Int32
}

func (l *countingListener) OnStateChange() {
	l.calls.Add(1)
}
