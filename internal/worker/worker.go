// Package worker runs the synchronized stores of one worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/statesync/internal/config"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/models"
	"github.com/soltixdb/statesync/internal/queue"
	"github.com/soltixdb/statesync/internal/registry"
	"github.com/soltixdb/statesync/internal/services"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// store is the lifecycle surface the worker drives, shared by every SyncService instantiation
type store interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Persist() error
	Synchronize(ctx context.Context) error
	Stats() services.Stats
}

type managedStore struct {
	name string
	cfg  config.StoreConfig
	svc  store
}

// Worker owns the shared log connection and the enabled stores
type Worker struct {
	cfg     *config.Config
	version string
	log     queue.Log
	ownsLog bool
	logger  *logging.Logger

	positions *services.PositionService
	offsets   *services.OffsetService
	configs   *services.ConfigService
	stores    []managedStore

	etcdClient   *clientv3.Client
	registration *registry.WorkerRegistration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker with the log backend selected by cfg.Queue
func New(cfg *config.Config, version string) (*Worker, error) {
	log, err := queue.NewLog(cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	w := NewWithLog(cfg, log, version)
	w.ownsLog = true
	return w, nil
}

// NewWithLog creates a worker on an existing log, which the caller keeps ownership of
func NewWithLog(cfg *config.Config, log queue.Log, version string) *Worker {
	w := &Worker{
		cfg:     cfg,
		version: version,
		log:     log,
		logger:  logging.Global().With("component", "worker", "worker_id", cfg.Worker.WorkerID),
	}

	if cfg.Stores.Position.Enabled {
		w.positions = services.NewPositionService(log, cfg.Worker, cfg.Stores.Position)
		w.stores = append(w.stores, managedStore{config.StoreNamePosition, cfg.Stores.Position, w.positions})
	}
	if cfg.Stores.Offset.Enabled {
		w.offsets = services.NewOffsetService(log, cfg.Worker, cfg.Stores.Offset)
		w.stores = append(w.stores, managedStore{config.StoreNameOffset, cfg.Stores.Offset, w.offsets})
	}
	if cfg.Stores.Config.Enabled {
		w.configs = services.NewConfigService(log, cfg.Worker, cfg.Stores.Config)
		w.stores = append(w.stores, managedStore{config.StoreNameConfig, cfg.Stores.Config, w.configs})
	}
	return w
}

// Positions returns the source position store, nil when disabled
func (w *Worker) Positions() *services.PositionService { return w.positions }

// Offsets returns the sink offset store, nil when disabled
func (w *Worker) Offsets() *services.OffsetService { return w.offsets }

// Configs returns the connector config store, nil when disabled
func (w *Worker) Configs() *services.ConfigService { return w.configs }

// Start initializes and starts every store, then runs their flush and persist loops.
// A store that cannot start aborts the whole start.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker %s already running", w.cfg.Worker.WorkerID)
	}

	if err := w.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create store root: %w", err)
	}

	for i, s := range w.stores {
		if err := s.svc.Initialize(ctx); err != nil {
			w.stopStores(ctx, w.stores[:i])
			return fmt.Errorf("failed to initialize %s store: %w", s.name, err)
		}
		if err := s.svc.Start(ctx); err != nil {
			w.stopStores(ctx, w.stores[:i])
			return fmt.Errorf("failed to start %s store: %w", s.name, err)
		}
		w.logger.Info("Store running", "store", s.name, "topic", s.cfg.Topic,
			"sync_interval", s.cfg.EffectiveSyncInterval(), "persist_interval", s.cfg.PersistInterval)
	}

	if w.cfg.Etcd.Enabled {
		if err := w.register(ctx); err != nil {
			w.stopStores(ctx, w.stores)
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for _, s := range w.stores {
		w.wg.Add(1)
		go w.run(loopCtx, s)
	}

	w.running = true
	w.logger.Info("Worker started", "stores", len(w.stores), "queue_type", w.cfg.Queue.Type)
	return nil
}

// register advertises this worker in etcd
func (w *Worker) register(ctx context.Context) error {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   w.cfg.Etcd.Endpoints,
		DialTimeout: w.cfg.Etcd.DialTimeout,
		Username:    w.cfg.Etcd.Username,
		Password:    w.cfg.Etcd.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	names := make([]string, 0, len(w.stores))
	for _, s := range w.stores {
		names = append(names, s.name)
	}

	info := models.WorkerInfo{
		ID:        w.cfg.Worker.WorkerID,
		ClusterID: w.cfg.Worker.ClusterID,
		Status:    "active",
		Version:   w.version,
		Stores:    names,
		StartedAt: time.Now(),
	}
	scanner := registry.NewSnapshotScanner(w.cfg.Worker.StoreRootDir, w.logger)
	reg := registry.NewWorkerRegistration(client, info, w.cfg.Etcd.LeaseTTL, scanner, w.logger)

	if err := reg.Register(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to register worker: %w", err)
	}

	w.etcdClient = client
	w.registration = reg
	return nil
}

// run flushes dirty keys and persists the snapshot of one store on its own cadence
func (w *Worker) run(ctx context.Context, s managedStore) {
	defer w.wg.Done()

	ctx = logging.WithLogger(ctx, logging.Global().With("component", "worker"))
	ctx = logging.WithStore(logging.WithWorkerID(ctx, w.cfg.Worker.WorkerID), s.name)

	syncTicker := time.NewTicker(s.cfg.EffectiveSyncInterval())
	defer syncTicker.Stop()
	persistTicker := time.NewTicker(s.cfg.PersistInterval)
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-syncTicker.C:
			// Failed keys stay dirty and go out with the next tick
			if err := s.svc.Synchronize(ctx); err != nil && ctx.Err() == nil {
				logging.WarnCtx(ctx, "Periodic synchronize failed", "error", err)
			}

		case <-persistTicker.C:
			if err := s.svc.Persist(); err != nil {
				logging.ErrorCtx(ctx, "Periodic persist failed", "error", err)
			}
		}
	}
}

// stopStores stops stores in reverse order and returns the joined errors
func (w *Worker) stopStores(ctx context.Context, stores []managedStore) error {
	var errs []error
	for i := len(stores) - 1; i >= 0; i-- {
		s := stores[i]
		if err := s.svc.Stop(ctx); err != nil {
			w.logger.Error("Failed to stop store", "store", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop ends the loops, deregisters and stops every store
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	w.cancel()
	w.wg.Wait()

	var errs []error
	if w.registration != nil {
		if err := w.registration.Deregister(ctx); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
		_ = w.etcdClient.Close()
		w.registration, w.etcdClient = nil, nil
	}

	if err := w.stopStores(ctx, w.stores); err != nil {
		errs = append(errs, err)
	}

	if w.ownsLog {
		if err := w.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}

	w.logger.Info("Worker stopped")
	return errors.Join(errs...)
}

// Stats returns the counters of every enabled store by name
func (w *Worker) Stats() map[string]services.Stats {
	stats := make(map[string]services.Stats, len(w.stores))
	for _, s := range w.stores {
		stats[s.name] = s.svc.Stats()
	}
	return stats
}
