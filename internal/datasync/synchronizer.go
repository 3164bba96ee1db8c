// Package datasync publishes state changes onto a shared log topic and feeds
// every record read back from it, the worker's own included, to one callback.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soltixdb/statesync/internal/codec"
	"github.com/soltixdb/statesync/internal/logging"
	"github.com/soltixdb/statesync/internal/queue"
)

// ErrPublishFailed is returned by Send when the log rejects a record
var ErrPublishFailed = errors.New("publish failed")

// Callback receives each decoded record, serially, in log order
type Callback[K comparable, V any] func(ctx context.Context, tag codec.ChangeTag, mapping map[K]V, origin string)

// Synchronizer publishes and receives change records for one store
type Synchronizer[K comparable, V any] interface {
	EnsureTopic(ctx context.Context) error
	Start(ctx context.Context) error
	Send(ctx context.Context, tag codec.ChangeTag, mapping map[K]V) error
	Stop() error
}

// Config describes where a synchronizer publishes and how it identifies itself
type Config struct {
	Topic   string
	Group   string // consumer group, unique per worker
	Origin  string // worker id stamped on outgoing records
	Tags    codec.TagNames
	OwnsLog bool // close the log on Stop
}

// GroupName derives the per-worker consumer group of a store
func GroupName(prefix, workerID string) string {
	return prefix + "-" + workerID
}

// Stats counts records seen by a synchronizer
type Stats struct {
	Received  uint64
	Dropped   uint64
	Published uint64
	Failed    uint64
}

// BrokerLog is a Synchronizer over a queue.Log topic
type BrokerLog[K comparable, V any] struct {
	log      queue.Log
	cfg      Config
	codec    codec.Codec[map[K]V]
	callback Callback[K, V]
	logger   *logging.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stats   Stats
}

// NewBrokerLog creates a synchronizer. The mapping codec is applied to the
// envelope payload; wrap it in a SnappyCodec to compress wire records.
func NewBrokerLog[K comparable, V any](log queue.Log, cfg Config, c codec.Codec[map[K]V], cb Callback[K, V]) *BrokerLog[K, V] {
	return &BrokerLog[K, V]{
		log:      log,
		cfg:      cfg,
		codec:    c,
		callback: cb,
		logger: logging.Global().With(
			"component", "datasync",
			"topic", cfg.Topic,
			"group", cfg.Group,
		),
	}
}

// EnsureTopic creates the backing topic if it is missing
func (b *BrokerLog[K, V]) EnsureTopic(ctx context.Context) error {
	if err := b.log.EnsureTopic(ctx, b.cfg.Topic); err != nil {
		return fmt.Errorf("ensure topic %s: %w", b.cfg.Topic, err)
	}
	return nil
}

// Start subscribes from the earliest record the group has not consumed
func (b *BrokerLog[K, V]) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return fmt.Errorf("synchronizer for %s already stopped", b.cfg.Topic)
	}
	if b.started {
		return nil
	}

	if err := b.log.Subscribe(b.cfg.Topic, b.cfg.Group, b.handle); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.cfg.Topic, err)
	}
	b.started = true

	b.logger.Info("Synchronizer started")
	return nil
}

// Send encodes mapping into one record and publishes it
func (b *BrokerLog[K, V]) Send(ctx context.Context, tag codec.ChangeTag, mapping map[K]V) error {
	name, err := b.cfg.Tags.Name(tag)
	if err != nil {
		return err
	}

	payload, err := b.codec.Encode(mapping)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", tag, err)
	}

	env := codec.Envelope{
		ID:      uuid.NewString(),
		Tag:     name,
		Origin:  b.cfg.Origin,
		SentAt:  time.Now(),
		Payload: payload,
	}

	if err := b.log.Publish(ctx, b.cfg.Topic, codec.MarshalEnvelope(env)); err != nil {
		b.mu.Lock()
		b.stats.Failed++
		b.mu.Unlock()
		return fmt.Errorf("%w: %s record %s: %v", ErrPublishFailed, tag, env.ID, err)
	}

	b.mu.Lock()
	b.stats.Published++
	b.mu.Unlock()

	b.logger.Debug("Published record", "tag", name, "id", env.ID, "entries", len(mapping))
	return nil
}

// handle decodes one record and hands it to the callback. Records that fail to
// decode or carry an unknown tag are dropped.
func (b *BrokerLog[K, V]) handle(ctx context.Context, data []byte) error {
	b.mu.Lock()
	b.stats.Received++
	b.mu.Unlock()

	env, err := codec.UnmarshalEnvelope(data)
	if err != nil {
		b.drop("Dropping malformed record", "error", err)
		return nil
	}

	tag := b.cfg.Tags.Parse(env.Tag)
	if tag == codec.TagUnknown {
		b.drop("Dropping record with unknown tag", "tag", env.Tag, "id", env.ID)
		return nil
	}

	mapping, err := b.codec.Decode(env.Payload)
	if err != nil {
		b.drop("Dropping record with malformed payload", "tag", env.Tag, "id", env.ID, "error", err)
		return nil
	}

	b.callback(ctx, tag, mapping, env.Origin)
	return nil
}

func (b *BrokerLog[K, V]) drop(msg string, keysAndValues ...interface{}) {
	b.mu.Lock()
	b.stats.Dropped++
	b.mu.Unlock()
	b.logger.Warn(msg, keysAndValues...)
}

// Stop unsubscribes, waiting for an in-flight callback to return, and
// closes the log when this synchronizer owns it
func (b *BrokerLog[K, V]) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	wasStarted := b.started
	b.mu.Unlock()

	var errs []error
	if wasStarted {
		if err := b.log.Unsubscribe(b.cfg.Topic, b.cfg.Group); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe from %s: %w", b.cfg.Topic, err))
		}
	}
	if b.cfg.OwnsLog {
		if err := b.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log: %w", err))
		}
	}

	b.logger.Info("Synchronizer stopped")
	return errors.Join(errs...)
}

var _ Synchronizer[string, int] = (*BrokerLog[string, int])(nil)

// Stats returns a copy of the record counters
func (b *BrokerLog[K, V]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
