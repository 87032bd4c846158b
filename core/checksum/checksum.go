// Package checksum implements the buffered per-table pk→digest store from
// spec §4.1, backed by one KV hash per table (devourer.datasource.versuccess.checksums-<table>).
package checksum

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/kv"
)

var logger = loggo.GetLogger("devourer.core.checksum")

// flushThreshold is the buffered-write count at which PutAndMaybeFlush
// flushes eagerly (spec §4.1).
const flushThreshold = 1000

const keyPrefix = "devourer.datasource.versuccess.checksums-"

func hashKey(table string) string {
	return keyPrefix + table
}

// Store opens per-table Scopes against a KV backend.
type Store struct {
	kv kv.Store
}

// New returns a Store over the given KV backend.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Open acquires a checksum scope for table. The hash is lazily loaded in
// full on the first Get call, not on Open, per spec §4.1.
func (s *Store) Open(table string) *Scope {
	return &Scope{kv: s.kv, key: hashKey(table), table: table}
}

// Scope is a buffered mapping pk → digest for one table. Callers must
// Close it on every exit path (normal or error) to guarantee the
// buffered writes become durable; Close is idempotent.
type Scope struct {
	kv     kv.Store
	key    string
	table  string
	loaded bool
	cache  map[string]string
	buffer map[string]string
	closed bool
}

func (sc *Scope) ensureLoaded(ctx context.Context) error {
	if sc.loaded {
		return nil
	}
	m, err := sc.kv.HGetAll(ctx, sc.key)
	if err != nil {
		return errors.Annotatef(err, "loading checksum hash for table %q", sc.table)
	}
	sc.cache = m
	sc.loaded = true
	return nil
}

// Get returns the stored digest for pk, or ("", false, nil) if absent.
// The first call for a Scope triggers a single full-hash load.
func (sc *Scope) Get(ctx context.Context, pk string) (string, bool, error) {
	if err := sc.ensureLoaded(ctx); err != nil {
		return "", false, err
	}
	if sc.buffer != nil {
		if v, ok := sc.buffer[pk]; ok {
			return v, true, nil
		}
	}
	v, ok := sc.cache[pk]
	return v, ok, nil
}

// Put stages digest for pk without flushing.
func (sc *Scope) Put(pk, digest string) {
	if sc.buffer == nil {
		sc.buffer = make(map[string]string)
	}
	sc.buffer[pk] = digest
}

// PutAndMaybeFlush stages digest for pk, flushing the buffer once it
// exceeds flushThreshold entries.
func (sc *Scope) PutAndMaybeFlush(ctx context.Context, pk, digest string) error {
	sc.Put(pk, digest)
	if len(sc.buffer) > flushThreshold {
		return sc.Flush(ctx)
	}
	return nil
}

// Flush writes the staged buffer to the KV hash in one multi-field
// hash-set and clears it.
func (sc *Scope) Flush(ctx context.Context) error {
	if len(sc.buffer) == 0 {
		return nil
	}
	if err := sc.kv.HMSet(ctx, sc.key, sc.buffer); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "flushing %d checksums for table %q: %v", len(sc.buffer), sc.table, err)
	}
	// Keep the cache coherent for any subsequent Get in this Scope.
	if sc.cache == nil {
		sc.cache = make(map[string]string, len(sc.buffer))
	}
	for k, v := range sc.buffer {
		sc.cache[k] = v
	}
	logger.Debugf("flushed %d checksum entries for table %s", len(sc.buffer), sc.table)
	sc.buffer = nil
	return nil
}

// Close flushes any staged writes. It is idempotent: a second Close is a
// no-op. On an abnormal exit path the caller should still call Close;
// per spec §4.1 a failure here is at-least-once (buffered writes may be
// lost and the affected rows are simply re-detected as changed next run).
func (sc *Scope) Close(ctx context.Context) error {
	if sc.closed {
		return nil
	}
	sc.closed = true
	return sc.Flush(ctx)
}

// Digest computes the spec §4.4 content hash: SHA-1 over the row's
// values in column order, colon-joined.
func Digest(values []string) string {
	return fmt.Sprintf("%x", sha1Sum(values))
}
