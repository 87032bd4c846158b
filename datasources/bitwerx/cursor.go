package bitwerx

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/kv"
)

// sentinelLastUpdated is get_last_updated_date's fallback value for a
// practice with no prior run.
const sentinelLastUpdated = "0001-01-01T00:00:00.000000"

func redisKey(practiceID string) string {
	return "devourer.datasource.bitwerx.practice-" + practiceID
}

// Cursor stores the per-practice lastUpdatedDateUtc watermark,
// matching get_last_updated_date/set_last_updated_date.
type Cursor struct {
	kv kv.Store
}

// NewCursor returns a Cursor backed by store.
func NewCursor(store kv.Store) *Cursor {
	return &Cursor{kv: store}
}

// Get returns the stored watermark string for practiceID, or the
// zero-date sentinel if none has been recorded yet.
func (c *Cursor) Get(ctx context.Context, practiceID string) (string, error) {
	v, ok, err := c.kv.GetString(ctx, redisKey(practiceID))
	if err != nil {
		return "", errors.Annotatef(devourererrors.ErrKV, "reading bitwerx cursor for %q: %v", practiceID, err)
	}
	if !ok {
		return sentinelLastUpdated, nil
	}
	return v, nil
}

// Set stores t as practiceID's lastUpdatedDateUtc watermark.
func (c *Cursor) Set(ctx context.Context, practiceID string, t time.Time) error {
	if err := c.kv.SetString(ctx, redisKey(practiceID), formatTimestampField(t)); err != nil {
		return errors.Annotatef(devourererrors.ErrKV, "writing bitwerx cursor for %q: %v", practiceID, err)
	}
	return nil
}
