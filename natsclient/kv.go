package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/yjpa7145/cumulus/pkg/retry"
)

// KV errors surfaced by store implementations
var (
	ErrKVKeyNotFound = stderrors.New("kv: key not found")
	ErrKVKeyExists   = stderrors.New("kv: key already exists")
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KV is the narrow key-value port the entity stores depend on. The
// production implementation rides a JetStream KV bucket; tests use MemKV.
type KV interface {
	// Create stores a value only if the key does not exist yet,
	// returning ErrKVKeyExists otherwise.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Get returns the entry for key or ErrKVKeyNotFound.
	Get(ctx context.Context, key string) (*KVEntry, error)
	// Put stores a value unconditionally (last writer wins).
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Update stores a value only if the key is still at revision.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Delete removes the key.
	Delete(ctx context.Context, key string) error
	// Keys lists all keys in the bucket.
	Keys(ctx context.Context) ([]string, error)
}

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout    time.Duration // Per-operation timeout
	CASRetries int           // CAS retry attempts for Update under contention
	RetryDelay time.Duration // Initial delay between CAS retries
}

// DefaultKVOptions returns sensible defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:    5 * time.Second,
		CASRetries: 10,
		RetryDelay: 10 * time.Millisecond,
	}
}

// KVStore implements KV on a JetStream bucket
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
}

// NewKVStore wraps a JetStream bucket with KV semantics
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{bucket: bucket, options: options}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Create stores a value only if the key does not exist yet
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Get returns the entry for key with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put stores a value unconditionally
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Update stores a value only if the key is still at revision, retrying
// transient failures but never revision conflicts.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	var rev uint64

	cfg := retry.Config{
		MaxAttempts:  kv.options.CASRetries,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	err := retry.Do(ctx, cfg, func() error {
		opCtx, cancel := kv.applyTimeout(ctx)
		defer cancel()

		var err error
		rev, err = kv.bucket.Update(opCtx, key, value, revision)
		if err != nil {
			if IsKVConflictError(err) || IsKVNotFoundError(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		if IsKVNotFoundError(err) {
			return 0, ErrKVKeyNotFound
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}

	return rev, nil
}

// Delete removes the key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists all keys in the bucket. An empty bucket yields an empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// IsKVNotFoundError reports whether err indicates a missing key
func IsKVNotFoundError(err error) bool {
	return stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) ||
		stderrors.Is(err, ErrKVKeyNotFound)
}

// IsKVConflictError reports whether err indicates a failed create or CAS
func IsKVConflictError(err error) bool {
	return stderrors.Is(err, jetstream.ErrKeyExists) ||
		stderrors.Is(err, ErrKVKeyExists)
}
