package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/soltixdb/statesync/internal/codec"
	"github.com/soltixdb/statesync/internal/datasync"
	"github.com/soltixdb/statesync/internal/kvstore"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/queue"
)

// State is the lifecycle state of a SyncService
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener is notified after a merge that changed the store
type Listener interface {
	OnStateChange()
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func()

// OnStateChange calls f
func (f ListenerFunc) OnStateChange() { f() }

// Options configures one synchronized store
type Options[K comparable, V any] struct {
	Name         string // store name used in logs and errors
	Topic        string
	GroupPrefix  string
	WorkerID     string
	Tags         codec.TagNames
	SnapshotPath string
	Compress     bool // snappy-compress snapshots and wire payloads
	Keys         codec.Codec[K]
	Values       codec.Codec[V]
}

// Stats reports counters of a running service
type Stats struct {
	Keys            int    // entries in the local store
	Dirty           int    // keys waiting for the next flush
	Received        uint64 // records delivered by the log
	Dropped         uint64 // records discarded as malformed or unknown
	Merged          uint64 // delta records that changed the store
	Published       uint64 // records published, Online included
	PublishFailures uint64
}

// SyncService is a worker-local key-value store kept in step with every other
// worker through a shared log. Local writes apply immediately and are
// broadcast by the next flush; every delivered delta, the worker's own
// included, is merged with last-writer-wins.
type SyncService[K comparable, V any] struct {
	opts   Options[K, V]
	log    queue.Log
	logger *logging.Logger

	state atomic.Int32

	// lifecycleMu serializes Initialize, Start and Stop
	lifecycleMu sync.Mutex
	// flushMu serializes flushes so Stop waits for one in flight
	flushMu sync.Mutex

	store  *kvstore.FileStore[K, V]
	syncer *datasync.BrokerLog[K, V]

	dirtyMu sync.Mutex
	dirty   map[K]struct{}

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64

	merged atomic.Uint64

	// afterSwap runs between the dirty-set swap and the snapshot (for testing)
	afterSwap func()
}

// NewSyncService creates an uninitialized service publishing on log
func NewSyncService[K comparable, V any](log queue.Log, opts Options[K, V]) *SyncService[K, V] {
	s := &SyncService[K, V]{
		opts:      opts,
		log:       log,
		dirty:     make(map[K]struct{}),
		listeners: make(map[uint64]Listener),
		logger: logging.Global().With(
			"component", "services",
			"store", opts.Name,
			"worker_id", opts.WorkerID,
		),
	}
	s.state.Store(int32(StateUninitialized))
	return s
}

// State returns the current lifecycle state
func (s *SyncService[K, V]) State() State {
	return State(s.state.Load())
}

func (s *SyncService[K, V]) requireState(op string, allowed ...State) error {
	current := s.State()
	for _, st := range allowed {
		if current == st {
			return nil
		}
	}
	return illegalState(s.opts.Name, op, current)
}

// Initialize wires the local store and synchronizer and makes sure the topic exists
func (s *SyncService[K, V]) Initialize(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if err := s.requireState("Initialize", StateUninitialized); err != nil {
		return err
	}
	if s.opts.SnapshotPath == "" {
		return fmt.Errorf("%s: snapshot path is required", s.opts.Name)
	}

	var mapCodec codec.Codec[map[K]V] = codec.NewMapCodec(s.opts.Keys, s.opts.Values)
	if s.opts.Compress {
		mapCodec = codec.NewSnappyCodec(mapCodec)
	}

	s.store = kvstore.NewFileStore(s.opts.SnapshotPath, mapCodec)
	s.syncer = datasync.NewBrokerLog(s.log, datasync.Config{
		Topic:  s.opts.Topic,
		Group:  datasync.GroupName(s.opts.GroupPrefix, s.opts.WorkerID),
		Origin: s.opts.WorkerID,
		Tags:   s.opts.Tags,
	}, mapCodec, s.onRecord)

	if err := s.syncer.EnsureTopic(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.opts.Name, err)
	}

	s.state.Store(int32(StateInitialized))
	s.logger.Info("Store initialized", "topic", s.opts.Topic, "snapshot", s.opts.SnapshotPath)
	return nil
}

// Start loads the snapshot, subscribes to the topic and announces this worker
// with an Online record carrying its full mapping
func (s *SyncService[K, V]) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if err := s.requireState("Start", StateInitialized); err != nil {
		return err
	}

	if err := s.loadSnapshot("failed to load snapshot"); err != nil {
		return err
	}

	if err := s.syncer.Start(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.opts.Name, err)
	}
	s.state.Store(int32(StateStarted))

	if err := s.syncer.Send(ctx, codec.TagOnline, s.store.GetAll()); err != nil {
		s.state.Store(int32(StateStopped))
		if stopErr := s.syncer.Stop(); stopErr != nil {
			s.logger.Warn("Failed to stop synchronizer", "error", stopErr)
		}
		return wrapError(CodePublishFailed, fmt.Sprintf("%s: failed to announce worker", s.opts.Name), err)
	}

	s.logger.Info("Store started", "keys", s.store.Len())
	return nil
}

// Stop flushes dirty keys, stops the synchronizer and persists the snapshot.
// A flush or persist failure is returned but never prevents the shutdown.
func (s *SyncService[K, V]) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() == StateStopped {
		return nil
	}
	if err := s.requireState("Stop", StateStarted); err != nil {
		return err
	}
	// Callers are refused from here on; an in-flight flush holds flushMu
	s.state.Store(int32(StateStopped))

	var errs []error
	if err := s.flush(ctx); err != nil {
		errs = append(errs, wrapError(CodePublishFailed, fmt.Sprintf("%s: final flush failed", s.opts.Name), err))
	}

	if err := s.syncer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", s.opts.Name, err))
	}

	if err := s.store.Persist(); err != nil {
		errs = append(errs, wrapError(CodePersistFailed, fmt.Sprintf("%s: final persist failed", s.opts.Name), err))
	}

	s.logger.Info("Store stopped", "keys", s.store.Len(), "dirty", len(s.DirtyKeys()))
	return errors.Join(errs...)
}

// Persist writes the local snapshot
func (s *SyncService[K, V]) Persist() error {
	if err := s.requireState("Persist", StateInitialized, StateStarted); err != nil {
		return err
	}
	if err := s.store.Persist(); err != nil {
		return wrapError(CodePersistFailed, fmt.Sprintf("%s: persist failed", s.opts.Name), err)
	}
	return nil
}

// Load replaces the local mapping with the snapshot on disk
func (s *SyncService[K, V]) Load() error {
	if err := s.requireState("Load", StateInitialized, StateStarted); err != nil {
		return err
	}
	return s.loadSnapshot("load failed")
}

// loadSnapshot reads the snapshot file. Only undecodable contents are reported
// as MALFORMED_PAYLOAD; I/O failures come back as plain wrapped errors.
func (s *SyncService[K, V]) loadSnapshot(what string) error {
	err := s.store.Load()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, codec.ErrMalformedPayload):
		return wrapError(CodeMalformedPayload, fmt.Sprintf("%s: %s", s.opts.Name, what), err)
	default:
		return fmt.Errorf("%s: %s: %w", s.opts.Name, what, err)
	}
}

// Synchronize flushes the dirty keys now
func (s *SyncService[K, V]) Synchronize(ctx context.Context) error {
	if err := s.requireState("Synchronize", StateStarted); err != nil {
		return err
	}
	if err := s.flush(ctx); err != nil {
		return wrapError(CodePublishFailed, fmt.Sprintf("%s: flush failed", s.opts.Name), err)
	}
	return nil
}

// flush swaps the dirty set for an empty one, snapshots the swapped keys and
// publishes them as one Delta. Writes racing the swap land in the new set.
// On failure the swapped keys still present locally are marked dirty again.
func (s *SyncService[K, V]) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.dirtyMu.Lock()
	swapped := s.dirty
	s.dirty = make(map[K]struct{})
	s.dirtyMu.Unlock()

	if s.afterSwap != nil {
		s.afterSwap()
	}

	delta := s.store.GetKeys(swapped)
	if err := s.syncer.Send(ctx, codec.TagDelta, delta); err != nil {
		s.redirty(delta)
		s.logger.Warn("Flush failed, keys stay dirty", "keys", len(delta), "error", err)
		return err
	}

	if len(delta) > 0 {
		s.logger.Debug("Flushed dirty keys", "keys", len(delta))
	}
	return nil
}

// redirty marks keys of a failed flush dirty again unless they were removed since
func (s *SyncService[K, V]) redirty(delta map[K]V) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	for key := range delta {
		if _, ok := s.store.Get(key); ok {
			s.dirty[key] = struct{}{}
		}
	}
}

// Get returns the local value of key
func (s *SyncService[K, V]) Get(key K) (V, bool, error) {
	if err := s.requireState("Get", StateStarted); err != nil {
		var zero V
		return zero, false, err
	}
	value, ok := s.store.Get(key)
	return value, ok, nil
}

// GetAll returns a copy of the local mapping
func (s *SyncService[K, V]) GetAll() (map[K]V, error) {
	if err := s.requireState("GetAll", StateStarted); err != nil {
		return nil, err
	}
	return s.store.GetAll(), nil
}

// Put writes locally and marks key dirty
func (s *SyncService[K, V]) Put(key K, value V) error {
	if err := s.requireState("Put", StateStarted); err != nil {
		return err
	}
	// Store first: a flush that swaps in between still finds the key in the new set
	s.store.Put(key, value)
	s.markDirty(key)
	return nil
}

// PutAll writes every entry locally and marks them dirty
func (s *SyncService[K, V]) PutAll(mapping map[K]V) error {
	if err := s.requireState("PutAll", StateStarted); err != nil {
		return err
	}
	if len(mapping) == 0 {
		return nil
	}
	s.store.PutAll(mapping)

	keys := make([]K, 0, len(mapping))
	for key := range mapping {
		keys = append(keys, key)
	}
	s.markDirty(keys...)
	return nil
}

// Remove deletes keys locally and from the dirty set, so they are not broadcast.
// Peers keep their copies.
func (s *SyncService[K, V]) Remove(keys ...K) error {
	if err := s.requireState("Remove", StateStarted); err != nil {
		return err
	}
	for _, key := range keys {
		s.store.Remove(key)
	}

	s.dirtyMu.Lock()
	for _, key := range keys {
		delete(s.dirty, key)
	}
	s.dirtyMu.Unlock()
	return nil
}

func (s *SyncService[K, V]) markDirty(keys ...K) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	for _, key := range keys {
		s.dirty[key] = struct{}{}
	}
}

// DirtyKeys returns the keys waiting for the next flush
func (s *SyncService[K, V]) DirtyKeys() []K {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	keys := make([]K, 0, len(s.dirty))
	for key := range s.dirty {
		keys = append(keys, key)
	}
	return keys
}

// RegisterListener adds l and returns a function that removes it again
func (s *SyncService[K, V]) RegisterListener(l Listener) (unregister func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// notify calls every listener once, outside the registry lock
func (s *SyncService[K, V]) notify() {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnStateChange()
	}
}

// onRecord is the synchronizer callback; records arrive one at a time
func (s *SyncService[K, V]) onRecord(ctx context.Context, tag codec.ChangeTag, mapping map[K]V, origin string) {
	switch tag {
	case codec.TagOnline:
		s.onOnline(ctx, origin)
	case codec.TagDelta:
		s.onDelta(mapping, origin)
	default:
		s.logger.Warn("Ignoring record with unexpected tag", "tag", tag.String(), "origin", origin)
	}
}

// onOnline answers a worker joining, this one included, by rebroadcasting the
// full local mapping as a Delta. The payload of the Online record itself is not applied.
func (s *SyncService[K, V]) onOnline(ctx context.Context, origin string) {
	s.logger.Info("Worker online", "origin", origin)

	full := s.store.GetAll()
	if err := s.syncer.Send(ctx, codec.TagDelta, full); err != nil {
		s.logger.Warn("Failed to rebroadcast mapping", "origin", origin, "error", err)
	}
	s.notify()
}

// onDelta merges entries with last-writer-wins and notifies listeners once
// if anything changed
func (s *SyncService[K, V]) onDelta(mapping map[K]V, origin string) {
	if len(mapping) == 0 {
		return
	}

	changed := 0
	for key, incoming := range mapping {
		local, ok := s.store.Get(key)
		if ok && s.equal(local, incoming) {
			continue
		}
		s.store.Put(key, incoming)
		changed++
	}

	if changed == 0 {
		return
	}

	s.merged.Add(1)
	s.logger.Debug("Merged delta", "origin", origin, "entries", len(mapping), "changed", changed)
	s.notify()
}

// equal compares values by their encoded form
func (s *SyncService[K, V]) equal(a, b V) bool {
	ab, err := s.opts.Values.Encode(a)
	if err != nil {
		return false
	}
	bb, err := s.opts.Values.Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Stats returns the service counters
func (s *SyncService[K, V]) Stats() Stats {
	st := Stats{
		Merged: s.merged.Load(),
	}

	s.dirtyMu.Lock()
	st.Dirty = len(s.dirty)
	s.dirtyMu.Unlock()

	if s.store != nil {
		st.Keys = s.store.Len()
	}
	if s.syncer != nil {
		ss := s.syncer.Stats()
		st.Received = ss.Received
		st.Dropped = ss.Dropped
		st.Published = ss.Published
		st.PublishFailures = ss.Failed
	}
	return st
}
