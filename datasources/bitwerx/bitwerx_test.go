package bitwerx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	gc "gopkg.in/check.v1"

	"github.com/VetIntegrations/devourer/core/envelope"
	"github.com/VetIntegrations/devourer/core/kv"
	"github.com/VetIntegrations/devourer/datasources/bitwerx"
)

func Test(t *testing.T) { gc.TestingT(t) }

type suite struct {
	kv *kv.MemStore
}

var _ = gc.Suite(&suite{})

func (s *suite) SetUpTest(c *gc.C) {
	s.kv = kv.NewMemStore()
}

func validLineItem() map[string]any {
	return map[string]any{
		"lineItemId":      "li-1",
		"isDeleted":       false,
		"updated":         "2024-06-01T00:00:01.000000Z",
		"created":         "2024-05-01T00:00:00.000000Z",
		"clientId":        "c-1",
		"patientId":       "p-1",
		"transactionDate": "2024-06-01",
		"description":     "exam",
		"quantity":        "1",
		"lineAmount":      "100.00",
		"isVoided":        false,
		"invoiceId":       "inv-1",
	}
}

func (s *suite) TestValidateLineItemAcceptsWellFormedItem(c *gc.C) {
	c.Assert(bitwerx.ValidateLineItem(validLineItem()), gc.IsNil)
}

func (s *suite) TestValidateLineItemRejectsMissingField(c *gc.C) {
	item := validLineItem()
	delete(item, "invoiceId")
	c.Assert(bitwerx.ValidateLineItem(item), gc.NotNil)
}

func (s *suite) TestValidateLineItemRejectsWrongType(c *gc.C) {
	item := validLineItem()
	item["isDeleted"] = "false"
	c.Assert(bitwerx.ValidateLineItem(item), gc.NotNil)
}

func (s *suite) TestCursorDefaultsToSentinelThenRoundTrips(c *gc.C) {
	ctx := context.Background()
	cursor := bitwerx.NewCursor(s.kv)

	v, err := cursor.Get(ctx, "1234|1")
	c.Assert(err, gc.IsNil)
	c.Assert(v, gc.Equals, "0001-01-01T00:00:00.000000")

	t := time.Date(2024, 6, 1, 0, 0, 1, 0, time.UTC)
	c.Assert(cursor.Set(ctx, "1234|1", t), gc.IsNil)

	v, err = cursor.Get(ctx, "1234|1")
	c.Assert(err, gc.IsNil)
	c.Assert(v, gc.Equals, "2024-06-01T00:00:01.000000")
}

type fakeClient struct {
	location      string
	pollResponses []bool
	pollIdx       int
	downloadURL   string
	items         []map[string]any
	mu            sync.Mutex
}

func (f *fakeClient) RequestDownload(ctx context.Context, username, password string, req bitwerx.DownloadRequest) (string, error) {
	return f.location, nil
}

func (f *fakeClient) PollOnce(ctx context.Context, username, password, location string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	complete := f.pollResponses[f.pollIdx]
	if f.pollIdx < len(f.pollResponses)-1 {
		f.pollIdx++
	}
	if complete {
		return true, f.downloadURL, nil
	}
	return false, "", nil
}

func (f *fakeClient) Download(ctx context.Context, downloadURL string) ([]map[string]any, error) {
	return f.items, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	submitted []envelope.Envelope
}

func (p *fakePublisher) Submit(ctx context.Context, e envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, e)
	return nil
}

func (s *suite) TestRunPublishesImmediatelyWhenReady(c *gc.C) {
	ctx := context.Background()
	client := &fakeClient{
		location:      "https://partner.daylight.vet/poll/abc",
		pollResponses: []bool{true},
		downloadURL:   "https://partner.daylight.vet/files/abc.gz",
		items:         []map[string]any{validLineItem()},
	}
	pub := &fakePublisher{}
	r := &bitwerx.Runner{
		Customer:   "rarebreed",
		PracticeID: "1234|1",
		Client:     client,
		Cursor:     bitwerx.NewCursor(s.kv),
		Publisher:  pub,
		Clock:      testclock.NewClock(time.Now()),
	}

	c.Assert(r.Run(ctx), gc.IsNil)
	c.Assert(pub.submitted, gc.HasLen, 1)
	c.Assert(pub.submitted[0].Meta.DataSource, gc.Equals, "bitwerx")
	c.Assert(pub.submitted[0].Meta.TableName, gc.Equals, "lineitem")

	cursorVal, err := bitwerx.NewCursor(s.kv).Get(ctx, "1234|1")
	c.Assert(err, gc.IsNil)
	c.Assert(cursorVal, gc.Equals, "2024-06-01T00:00:01.000000")
}

func (s *suite) TestRunAbortsBatchOnInvalidItem(c *gc.C) {
	ctx := context.Background()
	bad := validLineItem()
	delete(bad, "invoiceId")
	client := &fakeClient{
		location:      "https://partner.daylight.vet/poll/abc",
		pollResponses: []bool{true},
		downloadURL:   "https://partner.daylight.vet/files/abc.gz",
		items:         []map[string]any{validLineItem(), bad},
	}
	pub := &fakePublisher{}
	r := &bitwerx.Runner{
		Customer:   "rarebreed",
		PracticeID: "1234|1",
		Client:     client,
		Cursor:     bitwerx.NewCursor(s.kv),
		Publisher:  pub,
		Clock:      testclock.NewClock(time.Now()),
	}

	err := r.Run(ctx)
	c.Assert(err, gc.NotNil)
	c.Assert(pub.submitted, gc.HasLen, 0)

	_, err = bitwerx.NewCursor(s.kv).Get(ctx, "1234|1")
	c.Assert(err, gc.IsNil)
}

func (s *suite) TestRunPollsUntilCompleteThenPublishes(c *gc.C) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Now())
	client := &fakeClient{
		location:      "https://partner.daylight.vet/poll/abc",
		pollResponses: []bool{false, true},
		downloadURL:   "https://partner.daylight.vet/files/abc.gz",
		items:         []map[string]any{validLineItem()},
	}
	pub := &fakePublisher{}
	r := &bitwerx.Runner{
		Customer:     "rarebreed",
		PracticeID:   "1234|1",
		Client:       client,
		Cursor:       bitwerx.NewCursor(s.kv),
		Publisher:    pub,
		Clock:        clk,
		PollInterval: time.Second,
		Timeout:      time.Minute,
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	clk.WaitAdvance(time.Second, time.Second, 1)

	select {
	case err := <-done:
		c.Assert(err, gc.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatalf("Run did not complete after clock advance")
	}
	c.Assert(pub.submitted, gc.HasLen, 1)
}
