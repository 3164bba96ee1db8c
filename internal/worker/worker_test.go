package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/models"
	"github.com/soltixdb/statesync/internal/queue"
	"github.com/soltixdb/statesync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/pkg/v3/types"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func testConfig(t *testing.T, workerID string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Worker.WorkerID = workerID
	cfg.Worker.StoreRootDir = t.TempDir()
	for _, s := range []*config.StoreConfig{&cfg.Stores.Position, &cfg.Stores.Offset, &cfg.Stores.Config} {
		s.PersistInterval = 20 * time.Millisecond
		s.SyncInterval = 10 * time.Millisecond
	}
	return cfg
}

func sharedLog(t *testing.T) queue.Log {
	t.Helper()
	log, err := queue.NewLog(config.QueueConfig{Type: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestWorker_StartStop(t *testing.T) {
	cfg := testConfig(t, "w1")
	w, err := New(cfg, "test")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second Start")

	require.NotNil(t, w.Positions())
	require.NotNil(t, w.Offsets())
	require.NotNil(t, w.Configs())
	assert.Equal(t, services.StateStarted, w.Positions().State())

	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx), "second Stop is a no-op")
	assert.Equal(t, services.StateStopped, w.Configs().State())
}

func TestWorker_DisabledStores(t *testing.T) {
	cfg := testConfig(t, "w1")
	cfg.Stores.Offset.Enabled = false
	cfg.Stores.Config.Enabled = false

	w := NewWithLog(cfg, sharedLog(t), "test")
	assert.NotNil(t, w.Positions())
	assert.Nil(t, w.Offsets())
	assert.Nil(t, w.Configs())
	assert.Len(t, w.Stats(), 1)
}

func TestWorker_PeriodicFlushAndPersist(t *testing.T) {
	cfg := testConfig(t, "w1")
	w := NewWithLog(cfg, sharedLog(t), "test")

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(ctx) }()

	key := models.MustPartitionKey("file-source", map[string]interface{}{"file": "/var/log/app.log"})
	require.NoError(t, w.Positions().Put(key, models.Offset{"position": 1024}))

	require.Eventually(t, func() bool {
		return len(w.Positions().DirtyKeys()) == 0
	}, 2*time.Second, 5*time.Millisecond, "sync loop should flush dirty keys")

	require.Eventually(t, func() bool {
		info, err := os.Stat(cfg.Worker.PositionPath())
		return err == nil && info.Size() > 2
	}, 2*time.Second, 5*time.Millisecond, "persist loop should write the snapshot")
}

func TestWorker_WorkersConvergeThroughSharedLog(t *testing.T) {
	log := sharedLog(t)
	ctx := context.Background()

	w1 := NewWithLog(testConfig(t, "w1"), log, "test")
	require.NoError(t, w1.Start(ctx))

	cfg := models.ConnectorConfig{Properties: map[string]string{"topics": "orders"}, TaskCount: 3}
	require.NoError(t, w1.Configs().Put("orders-sink", cfg))

	w2 := NewWithLog(testConfig(t, "w2"), log, "test")
	require.NoError(t, w2.Start(ctx))

	require.Eventually(t, func() bool {
		got, ok, err := w2.Configs().Get("orders-sink")
		return err == nil && ok && got.TaskCount == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w2.Stop(ctx))
	require.NoError(t, w1.Stop(ctx))
}

func TestWorker_StartFailsOnCorruptSnapshot(t *testing.T) {
	cfg := testConfig(t, "w1")
	require.NoError(t, os.MkdirAll(cfg.Worker.StoreRootDir+"/offset", 0o755))
	require.NoError(t, os.WriteFile(cfg.Worker.OffsetPath(), []byte("garbage"), 0o644))

	w := NewWithLog(cfg, sharedLog(t), "test")
	err := w.Start(context.Background())
	require.Error(t, err)

	// The store started before the corrupt one is stopped again
	assert.Equal(t, services.StateStopped, w.Positions().State())
}

func startEtcd(t *testing.T) []string {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.ListenClientUrls, _ = types.NewURLs([]string{"http://127.0.0.1:0"})
	cfg.ListenPeerUrls, _ = types.NewURLs([]string{"http://127.0.0.1:0"})

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		t.Fatal("Etcd server took too long to start")
	}

	endpoints := []string{}
	for _, listener := range e.Clients {
		endpoints = append(endpoints, "http://"+listener.Addr().String())
	}
	return endpoints
}

func TestWorker_RegistersInEtcd(t *testing.T) {
	endpoints := startEtcd(t)

	cfg := testConfig(t, "w1")
	cfg.Etcd.Enabled = true
	cfg.Etcd.Endpoints = endpoints

	w := NewWithLog(cfg, sharedLog(t), "v1.2.3")
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	resp, err := client.Get(ctx, "/statesync/workers/w1")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Contains(t, string(resp.Kvs[0].Value), `"version":"v1.2.3"`)

	require.NoError(t, w.Stop(ctx))

	resp, err = client.Get(ctx, "/statesync/workers/w1")
	require.NoError(t, err)
	assert.Empty(t, resp.Kvs)
}
