// Package watermark implements the per-table monotonic timestamp cursor
// from spec §4.2, stored as an integer-seconds string at
// devourer.datasource.versuccess.timestamp-<table>.
package watermark

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/kv"
)

var logger = loggo.GetLogger("devourer.core.watermark")

const keyPrefix = "devourer.datasource.versuccess.timestamp-"

// SentinelEpoch is returned by Latest when no watermark has ever been
// recorded for a table (spec §3: "Absent means never ingested").
var SentinelEpoch = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

func tsKey(table string) string {
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

// Open acquires a watermark scope for table. flushEvery, if > 0, causes
// Advance to flush opportunistically every flushEvery advances in
// addition to the guaranteed flush-on-Close (spec §9's recommendation:
// scope-close by default, threshold-flush only for bulk tables).
func (s *Store) Open(table string, flushEvery int) *Scope {
	return &Scope{kv: s.kv, key: tsKey(table), table: table, flushEvery: flushEvery}
}

// Scope is a monotonic cursor for one table.
type Scope struct {
	kv         kv.Store
	key        string
	table      string
	flushEvery int

	loaded    bool
	current   time.Time
	advanced  bool
	sinceSync int
	closed    bool
}

func (sc *Scope) ensureLoaded(ctx context.Context) error {
	if sc.loaded {
		return nil
	}
	v, ok, err := sc.kv.GetString(ctx, sc.key)
	if err != nil {
		return errors.Annotatef(err, "loading watermark for table %q", sc.table)
	}
	if !ok {
		sc.current = SentinelEpoch
		sc.loaded = true
		return nil
	}
	seconds, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return errors.Annotatef(devourererrors.ErrConfig, "watermark %q has non-integer value %q", sc.key, v)
	}
	sc.current = time.Unix(seconds, 0).UTC()
	sc.loaded = true
	return nil
}

// Latest returns the current cursor value, SentinelEpoch if never
// ingested.
func (sc *Scope) Latest(ctx context.Context) (time.Time, error) {
	if err := sc.ensureLoaded(ctx); err != nil {
		return time.Time{}, err
	}
	return sc.current, nil
}

// Advance moves the cursor to max(current, rowTime.Truncate(time.Second)).
// It never regresses. Per flushEvery it may flush opportunistically.
func (sc *Scope) Advance(ctx context.Context, rowTime time.Time) error {
	if err := sc.ensureLoaded(ctx); err != nil {
		return err
	}
	t := rowTime.Truncate(time.Second).UTC()
	if t.After(sc.current) {
		sc.current = t
		sc.advanced = true
	}
	sc.sinceSync++
	if sc.flushEvery > 0 && sc.sinceSync >= sc.flushEvery {
		if err := sc.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (sc *Scope) flush(ctx context.Context) error {
	seconds := sc.current.Unix()
	if err := sc.kv.SetString(ctx, sc.key, strconv.FormatInt(seconds, 10)); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "flushing watermark for table %q: %v", sc.table, err)
	}
	logger.Debugf("watermark for %s advanced to %s", sc.table, sc.current)
	sc.sinceSync = 0
	return nil
}

// Close flushes iff the cursor advanced at all during this scope (spec
// §4.2). Idempotent.
func (sc *Scope) Close(ctx context.Context) error {
	if sc.closed {
		return nil
	}
	sc.closed = true
	if !sc.advanced {
		return nil
	}
	return sc.flush(ctx)
}
