package bitwerx

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/envelope"
)

var logger = loggo.GetLogger("devourer.datasource.bitwerx")

// updatedFieldLayout is format_timestamp with the trailing timezone
// character the Python code strips (item['updated'][:-1]) already
// removed.
const updatedFieldLayout = "2006-01-02T15:04:05.000000"

// Publisher is the minimal surface Run needs from core/publish.
type Publisher interface {
	Submit(ctx context.Context, e envelope.Envelope) error
}

// Runner executes one Bitwerx export cycle for a single customer and
// practice, matching api.py's import_run end to end: request an
// export, poll until Bitwerx reports it complete, download and
// validate every line item, publish, and advance the cursor only if
// every item in the batch validated.
type Runner struct {
	Customer     string
	PracticeID   string
	Username     string
	Password     string
	Client       Client
	Cursor       *Cursor
	Publisher    Publisher
	Clock        clock.Clock   // defaults to clock.WallClock
	PollInterval time.Duration // defaults to 10s, matching check_status's sleep
	Timeout      time.Duration // defaults to 5 minutes, matching config.BITWERX_TIMEOUT
}

func (r *Runner) clk() clock.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return clock.WallClock
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return 10 * time.Second
}

func (r *Runner) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Minute
}

// Run executes one export cycle. A returned error of
// devourererrors.ErrTransientFetch means the poll timed out or
// Bitwerx answered with a retryable failure; devourererrors.ErrValidation
// means a line item failed validation and the batch was discarded.
func (r *Runner) Run(ctx context.Context) error {
	lastUpdated, err := r.Cursor.Get(ctx, r.PracticeID)
	if err != nil {
		return err
	}

	location, err := r.Client.RequestDownload(ctx, r.Username, r.Password, DownloadRequest{
		PracticeID:         r.PracticeID,
		LastUpdatedDateUTC: lastUpdated,
		RecordType:         "lineItem",
	})
	if err != nil {
		return err
	}

	downloadURL, err := r.awaitCompletion(ctx, location)
	if err != nil {
		return err
	}

	items, err := r.Client.Download(ctx, downloadURL)
	if err != nil {
		return err
	}

	return r.publishBatch(ctx, items)
}

// awaitCompletion polls location every PollInterval until Bitwerx
// reports the export complete or Timeout elapses, matching
// check_status/get_download_response_status's asyncio.wait_for.
func (r *Runner) awaitCompletion(ctx context.Context, location string) (string, error) {
	var downloadURL string
	attemptErr := retry.Call(retry.CallArgs{
		Func: func() error {
			complete, url, err := r.Client.PollOnce(ctx, r.Username, r.Password, location)
			if err != nil {
				return err
			}
			if !complete {
				return errors.New("bitwerx export not yet complete")
			}
			downloadURL = url
			return nil
		},
		Delay:       r.pollInterval(),
		MaxDuration: r.timeout(),
		Clock:       r.clk(),
		Stop:        ctx.Done(),
	})
	if attemptErr != nil {
		return "", errors.Annotatef(devourererrors.ErrTransientFetch, "bitwerx export for practice %q did not complete within %s: %v", r.PracticeID, r.timeout(), retry.LastError(attemptErr))
	}
	return downloadURL, nil
}

// publishBatch validates every item before publishing any of them —
// Bitwerx batches are all-or-nothing (spec §7) — then publishes each
// as an envelope and advances the cursor to the batch's maximum
// "updated" timestamp, matching import_run's data_is_valid gate.
func (r *Runner) publishBatch(ctx context.Context, items []map[string]any) error {
	for _, item := range items {
		if err := ValidateLineItem(item); err != nil {
			return err
		}
	}

	var maxUpdated time.Time
	haveMax := false

	for _, item := range items {
		item["_practice_id"] = r.PracticeID

		env := envelope.New(r.Customer, "bitwerx", "lineitem", nil, item)
		if err := r.Publisher.Submit(ctx, env); err != nil {
			return errors.Annotate(err, "submitting bitwerx line item to publisher")
		}

		t, err := parseUpdatedField(item["updated"].(string))
		if err != nil {
			return err
		}
		if !haveMax || t.After(maxUpdated) {
			maxUpdated = t
			haveMax = true
		}
	}

	if haveMax {
		if err := r.Cursor.Set(ctx, r.PracticeID, maxUpdated); err != nil {
			return err
		}
		logger.Infof("bitwerx %s: practice %s cursor advanced to %s", r.Customer, r.PracticeID, maxUpdated)
	}

	logger.Infof("bitwerx %s: practice %s, %d line items", r.Customer, r.PracticeID, len(items))
	return nil
}

// parseUpdatedField parses a line item's "updated" field, which
// carries a trailing timezone designator (e.g. "Z") that
// strptime(item['updated'][:-1], format_timestamp) strips before
// parsing.
func parseUpdatedField(raw string) (time.Time, error) {
	trimmed := strings.TrimSuffix(raw, "Z")
	t, err := time.Parse(updatedFieldLayout, trimmed)
	if err != nil {
		return time.Time{}, errors.Annotatef(devourererrors.ErrValidation, "parsing bitwerx line item 'updated' field %q: %v", raw, err)
	}
	return t, nil
}
