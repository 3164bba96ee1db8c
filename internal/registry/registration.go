package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/models"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is where workers advertise themselves
const KeyPrefix = "/statesync/workers/"

// refreshInterval is how often the advertised snapshot and capacity info is rewritten
const refreshInterval = 30 * time.Second

// WorkerRegistration advertises a worker in etcd under a lease. The record is
// informational; synchronization never reads it.
type WorkerRegistration struct {
	etcdClient *clientv3.Client
	leaseTTL   int64
	scanner    *SnapshotScanner
	logger     *logging.Logger

	mu         sync.Mutex
	leaseID    clientv3.LeaseID
	workerInfo models.WorkerInfo
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewWorkerRegistration creates a new worker registration instance
func NewWorkerRegistration(
	etcdClient *clientv3.Client,
	workerInfo models.WorkerInfo,
	leaseTTL int64,
	scanner *SnapshotScanner,
	logger *logging.Logger,
) *WorkerRegistration {
	if leaseTTL <= 0 {
		leaseTTL = 10
	}
	return &WorkerRegistration{
		etcdClient: etcdClient,
		workerInfo: workerInfo,
		leaseTTL:   leaseTTL,
		scanner:    scanner,
		logger:     logger,
	}
}

func workerKey(id string) string {
	return KeyPrefix + id
}

// Register grants a lease, writes the worker record and keeps the lease alive
// until Deregister
func (r *WorkerRegistration) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("worker %s already registered", r.workerInfo.ID)
	}

	r.logger.Info("Starting worker registration")

	if err := r.scanLocked(); err != nil {
		return err
	}

	lease, err := r.etcdClient.Grant(ctx, r.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	r.leaseID = lease.ID

	r.logger.Info("Lease created", "lease_id", int64(r.leaseID), "ttl", r.leaseTTL)

	if r.workerInfo.StartedAt.IsZero() {
		r.workerInfo.StartedAt = time.Now()
	}
	if err := r.putLocked(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	r.logger.Info("Worker registered successfully",
		"worker_id", r.workerInfo.ID,
		"cluster_id", r.workerInfo.ClusterID,
		"stores", r.workerInfo.Stores,
	)

	// The lease outlives the caller's context; Deregister ends it
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.etcdClient.KeepAlive(kaCtx, r.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.keepAlive(kaCtx, ch, r.done)
	return nil
}

// scanLocked refreshes snapshot and capacity fields. Caller holds r.mu.
func (r *WorkerRegistration) scanLocked() error {
	snapshots, err := r.scanner.ScanSnapshots()
	if err != nil {
		return fmt.Errorf("failed to scan local snapshots: %w", err)
	}
	capacity, err := r.scanner.GetDiskCapacity()
	if err != nil {
		return fmt.Errorf("failed to get disk capacity: %w", err)
	}

	r.workerInfo.Snapshots = snapshots
	r.workerInfo.Capacity = *capacity
	r.workerInfo.UpdatedAt = time.Now()
	return nil
}

// putLocked writes the worker record bound to the lease. Caller holds r.mu.
func (r *WorkerRegistration) putLocked(ctx context.Context) error {
	data, err := json.Marshal(r.workerInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}

	_, err = r.etcdClient.Put(ctx, workerKey(r.workerInfo.ID), string(data), clientv3.WithLease(r.leaseID))
	return err
}

// keepAlive drains heartbeat responses and periodically refreshes the record
func (r *WorkerRegistration) keepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse, done chan struct{}) {
	defer close(done)
	r.logger.Info("Starting keep-alive loop", "lease_id", int64(r.leaseID))

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Keep-alive stopped (context done)")
			return

		case ka, ok := <-ch:
			if !ok {
				r.logger.Warn("Keep-alive channel closed, lease lost", "worker_id", r.workerInfo.ID)
				return
			}
			r.logger.Debug("Heartbeat sent", "lease_id", int64(ka.ID), "ttl", ka.TTL)

		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("Failed to refresh worker info", "error", err)
			}
		}
	}
}

// Refresh rescans snapshots and rewrites the worker record
func (r *WorkerRegistration) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leaseID == 0 {
		return fmt.Errorf("worker %s not registered", r.workerInfo.ID)
	}
	if err := r.scanLocked(); err != nil {
		return err
	}
	return r.putLocked(ctx)
}

// Deregister stops the keep-alive, deletes the record and revokes the lease
func (r *WorkerRegistration) Deregister(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	leaseID := r.leaseID
	r.cancel, r.done, r.leaseID = nil, nil, 0
	r.mu.Unlock()

	r.logger.Info("Deregistering worker", "worker_id", r.workerInfo.ID)

	if cancel != nil {
		cancel()
		<-done
	}

	_, err := r.etcdClient.Delete(ctx, workerKey(r.workerInfo.ID))
	if err != nil {
		r.logger.Error("Failed to delete worker key", "error", err)
	}

	if leaseID != 0 {
		if _, revokeErr := r.etcdClient.Revoke(ctx, leaseID); revokeErr != nil {
			r.logger.Error("Failed to revoke lease", "error", revokeErr)
			if err == nil {
				err = revokeErr
			}
		}
	}

	r.logger.Info("Worker deregistered", "worker_id", r.workerInfo.ID)
	return err
}

// LeaseID returns the current lease, zero when not registered
func (r *WorkerRegistration) LeaseID() clientv3.LeaseID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaseID
}

// ListWorkers returns every advertised worker
func ListWorkers(ctx context.Context, client *clientv3.Client) ([]models.WorkerInfo, error) {
	resp, err := client.Get(ctx, KeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make([]models.WorkerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info models.WorkerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return nil, fmt.Errorf("failed to decode worker %s: %w", kv.Key, err)
		}
		workers = append(workers, info)
	}
	return workers, nil
}
