package bitwerx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/VetIntegrations/devourer/core/devourererrors"
)

const downloadRequestURL = "https://partner.daylight.vet/api/downloadRequest"

// DownloadRequest is the downloadRequest POST body, matching
// import_run's payload dict.
type DownloadRequest struct {
	PracticeID         string `json:"practiceId"`
	LastUpdatedDateUTC string `json:"lastUpdatedDateUtc"`
	RecordType         string `json:"recordType"`
}

// downloadStatus is the poll endpoint's decoded response body.
type downloadStatus struct {
	Status      string `json:"status"`
	DownloadURL string `json:"downloadUrl"`
}

// Client is the Bitwerx HTTP surface this datasource needs, separated
// out so it can be faked in tests without a live HTTP round-trip,
// matching the hubspot datasource's API interface seam. No HTTP client
// library appears anywhere in the retrieved pack, so this uses
// net/http directly rather than introducing an ungrounded dependency.
type Client interface {
	// RequestDownload posts req and returns the poll location. Any
	// response other than 202 is a permanent failure (import_run only
	// ever handles the 202 branch; everything else maps to its 400
	// response).
	RequestDownload(ctx context.Context, username, password string, req DownloadRequest) (location string, err error)
	// PollOnce checks location once, reporting whether the export is
	// complete and, if so, where to download it from.
	PollOnce(ctx context.Context, username, password, location string) (complete bool, downloadURL string, err error)
	// Download fetches and gunzips the JSON line-item array at
	// downloadURL.
	Download(ctx context.Context, downloadURL string) ([]map[string]any, error)
}

// HTTPClient is Client's production implementation, grounded directly
// on api.py's check_status/get_data aiohttp calls.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient returns an HTTPClient using http.DefaultClient's
// timeout-free transport; callers needing a bounded per-request
// timeout should pass a context deadline, matching this codebase's
// context-first convention.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{http: &http.Client{}}
}

func (c *HTTPClient) RequestDownload(ctx context.Context, username, password string, body DownloadRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Annotate(err, "encoding bitwerx downloadRequest payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, downloadRequestURL, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Annotate(err, "building bitwerx downloadRequest")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Annotatef(devourererrors.ErrTransientFetch, "bitwerx downloadRequest: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", errors.Annotatef(devourererrors.ErrPermanentFetch, "bitwerx downloadRequest: unexpected status %d", resp.StatusCode)
	}
	return resp.Header.Get("Location"), nil
}

func (c *HTTPClient) PollOnce(ctx context.Context, username, password, location string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return false, "", errors.Annotate(err, "building bitwerx poll request")
	}
	req.SetBasicAuth(username, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, "", errors.Annotatef(devourererrors.ErrTransientFetch, "bitwerx poll: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", nil
	}

	var status downloadStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, "", errors.Annotate(err, "decoding bitwerx poll response")
	}
	if status.Status != "Complete" {
		return false, "", nil
	}
	return true, status.DownloadURL, nil
}

func (c *HTTPClient) Download(ctx context.Context, downloadURL string) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, errors.Annotate(err, "building bitwerx download request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Annotatef(devourererrors.ErrTransientFetch, "bitwerx download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Annotatef(devourererrors.ErrTransientFetch, "bitwerx download: unexpected status %d", resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "opening bitwerx gzip payload")
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Annotate(err, "reading bitwerx gzip payload")
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Annotate(err, "decoding bitwerx line items")
	}
	return items, nil
}

// formatTimestampField renders t the way format_timestamp
// ('%Y-%m-%dT%H:%M:%S.%f') does, to six fractional digits.
func formatTimestampField(t time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%06d",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1000)
}
