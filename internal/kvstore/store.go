// Package kvstore provides the worker-local key-value store that backs every
// synchronized store: an in-memory map with explicit snapshot persistence.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/soltixdb/statesync/internal/codec"
)

var (
	// ErrPersistFailed is returned when the snapshot file cannot be written
	ErrPersistFailed = errors.New("persist failed")

	// ErrCorruptSnapshot is returned by Load when the snapshot cannot be decoded
	ErrCorruptSnapshot = fmt.Errorf("corrupt snapshot: %w", codec.ErrMalformedPayload)
)

// KeyValueStore is a worker-local mapping with caller-driven persistence.
// Mutations never persist implicitly.
type KeyValueStore[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
	PutAll(mapping map[K]V)
	Remove(key K)
	GetAll() map[K]V
	Len() int
	Persist() error
	Load() error
}

// FileStore keeps the mapping in memory and snapshots it to a single file
type FileStore[K comparable, V any] struct {
	path  string
	codec codec.Codec[map[K]V]

	mu   sync.RWMutex
	data map[K]V

	// persistMu serializes snapshot writers so two Persist calls never share the tmp file
	persistMu sync.Mutex
}

// NewFileStore creates a store that snapshots to path using c
func NewFileStore[K comparable, V any](path string, c codec.Codec[map[K]V]) *FileStore[K, V] {
	return &FileStore[K, V]{
		path:  path,
		codec: c,
		data:  make(map[K]V),
	}
}

// Path returns the snapshot file path
func (s *FileStore[K, V]) Path() string {
	return s.path
}

// Get returns the value for key
func (s *FileStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Put sets key to value
func (s *FileStore[K, V]) Put(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// PutAll sets every entry of mapping
func (s *FileStore[K, V]) PutAll(mapping map[K]V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range mapping {
		s.data[k] = v
	}
}

// Remove deletes key
func (s *FileStore[K, V]) Remove(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// GetAll returns a copy of the whole mapping
func (s *FileStore[K, V]) GetAll() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]V, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// GetKeys returns a copy of the entries whose keys are in keys. Absent keys are skipped.
func (s *FileStore[K, V]) GetKeys(keys map[K]struct{}) map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]V, len(keys))
	for k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Len returns the number of entries
func (s *FileStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Persist writes the whole mapping to a temp file and renames it over the
// snapshot, so readers of the file see either the old or the new snapshot.
func (s *FileStore[K, V]) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := s.codec.Encode(s.GetAll())
	if err != nil {
		return fmt.Errorf("%w: failed to encode snapshot: %v", ErrPersistFailed, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrPersistFailed, err)
	}

	tmpPath := s.path + ".tmp"
	if err := writeFileSync(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to write snapshot: %v", ErrPersistFailed, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to rename snapshot: %v", ErrPersistFailed, err)
	}

	return nil
}

// Load replaces the in-memory mapping with the snapshot contents.
// A missing or empty file yields an empty store.
func (s *FileStore[K, V]) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.replace(make(map[K]V))
			return nil
		}
		return fmt.Errorf("failed to read snapshot %s: %w", s.path, err)
	}

	if len(data) == 0 {
		s.replace(make(map[K]V))
		return nil
	}

	mapping, err := s.codec.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, s.path, err)
	}
	if mapping == nil {
		mapping = make(map[K]V)
	}

	s.replace(mapping)
	return nil
}

func (s *FileStore[K, V]) replace(mapping map[K]V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = mapping
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
