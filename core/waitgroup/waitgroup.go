// Package waitgroup implements the distributed pagination counter from
// spec §4.8/§5: a 3-state counter (positive = pages outstanding, zero =
// drained, -1 = poisoned/stopped) stored in the shared KV backend and
// guarded by a named lock, matching devourer/utils/waitgroup.py's
// WaitGroup/RedisLock pair.
package waitgroup

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/kv"
)

var logger = loggo.GetLogger("devourer.core.waitgroup")

// lockTimeout bounds how long a waitgroup mutation may hold its guard
// lock, matching RedisLock's default timeout of 60 seconds.
const lockTimeout = 60 * time.Second

// Stopped is the sentinel count meaning the chain has been poisoned:
// once set, it is terminal (spec §4.8 — "once poisoned a wait-group
// never recovers").
const Stopped = -1

// ErrStopped is returned by Add when the wait-group has already been
// poisoned, mirroring WaitGroupStopException.
var ErrStopped = errors.New("waitgroup: stopped")

// WaitGroup is a named distributed counter over a KV backend.
type WaitGroup struct {
	store kv.Store
	key   string
	lockKey string
}

// New returns a WaitGroup for key, guarded by lock "waitgroup_lock_<key>".
func New(store kv.Store, key string) *WaitGroup {
	return &WaitGroup{store: store, key: key, lockKey: "waitgroup_lock_" + key}
}

func (w *WaitGroup) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	unlock, err := w.store.Lock(ctx, w.lockKey, lockTimeout)
	if err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "locking waitgroup %q: %v", w.key, err)
	}
	defer func() {
		if uerr := unlock(ctx); uerr != nil {
			logger.Errorf("releasing waitgroup lock %q: %v", w.lockKey, uerr)
		}
	}()
	return fn(ctx)
}

func (w *WaitGroup) readCount(ctx context.Context) (int, bool, error) {
	v, ok, err := w.store.GetString(ctx, w.key)
	if err != nil {
		return 0, false, errors.Annotatef(devourererrors.ErrKV, "reading waitgroup %q: %v", w.key, err)
	}
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, errors.Annotatef(devourererrors.ErrConfig, "waitgroup %q has non-integer value %q", w.key, v)
	}
	return n, true, nil
}

// Count returns the current counter value, 0 if never set.
func (w *WaitGroup) Count(ctx context.Context) (int, error) {
	n, ok, err := w.readCount(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

// Add adds n (may be negative) to the counter under lock. Adding to an
// already-stopped wait-group returns ErrStopped and leaves the counter
// at Stopped, matching the Python original's terminal-poison behavior.
func (w *WaitGroup) Add(ctx context.Context, n int) error {
	return w.withLock(ctx, func(ctx context.Context) error {
		count, ok, err := w.readCount(ctx)
		if err != nil {
			return err
		}
		if ok && count == Stopped {
			return ErrStopped
		}
		count += n
		return w.write(ctx, count)
	})
}

// Done decrements the counter by one, matching Python's done().
func (w *WaitGroup) Done(ctx context.Context) error {
	return w.Add(ctx, -1)
}

// Stop poisons the wait-group, setting it to Stopped regardless of its
// current value. Idempotent.
func (w *WaitGroup) Stop(ctx context.Context) error {
	return w.withLock(ctx, func(ctx context.Context) error {
		return w.write(ctx, Stopped)
	})
}

func (w *WaitGroup) write(ctx context.Context, n int) error {
	if err := w.store.SetString(ctx, w.key, strconv.Itoa(n)); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "writing waitgroup %q: %v", w.key, err)
	}
	return nil
}
