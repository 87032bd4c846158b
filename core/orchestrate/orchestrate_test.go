package orchestrate_test

import (
	"context"
	"testing"
	"time"

	jujuerrors "github.com/juju/errors"
	gc "gopkg.in/check.v1"

	"github.com/VetIntegrations/devourer/core/envelope"
	"github.com/VetIntegrations/devourer/core/kv"
	"github.com/VetIntegrations/devourer/core/orchestrate"
	"github.com/VetIntegrations/devourer/core/waitgroup"
)

func Test(t *testing.T) { gc.TestingT(t) }

type suite struct {
	kv *kv.MemStore
}

var _ = gc.Suite(&suite{})

func (s *suite) SetUpTest(c *gc.C) {
	s.kv = kv.NewMemStore()
}

type recordingQueue struct {
	enqueued []orchestrate.Continuation
}

func (q *recordingQueue) Enqueue(ctx context.Context, c orchestrate.Continuation, after time.Duration) error {
	q.enqueued = append(q.enqueued, c)
	return nil
}

type recordingPublisher struct {
	submitted []envelope.Envelope
}

func (p *recordingPublisher) Submit(ctx context.Context, e envelope.Envelope) error {
	p.submitted = append(p.submitted, e)
	return nil
}

type onePageFetcher struct{}

func (onePageFetcher) FetchPage(ctx context.Context, c orchestrate.Continuation) (orchestrate.PageResult, error) {
	return orchestrate.PageResult{
		LastPage: true,
		Records:  []envelope.Envelope{envelope.New(c.CustomerName, "hubspot", c.ObjectName, nil, map[string]any{"id": "1"})},
	}, nil
}

func (s *suite) TestFetchTaskUnblockedRunsToCompletion(c *gc.C) {
	ctx := context.Background()
	queue := &recordingQueue{}
	pub := &recordingPublisher{}

	cont := orchestrate.Continuation{
		CustomerName:  "rarebreed",
		ObjectName:    "deals",
		WaitGroupKeys: orchestrate.WaitGroupKeys{Current: "wg_rarebreed_deals_run1"},
	}
	c.Assert(waitgroup.New(s.kv, cont.WaitGroupKeys.Current).Add(ctx, 1), gc.IsNil)

	task := orchestrate.NewFetchTask(s.kv, queue, onePageFetcher{}, pub, cont)
	c.Assert(task.Run(ctx), gc.IsNil)

	c.Assert(pub.submitted, gc.HasLen, 1)
	c.Assert(queue.enqueued, gc.HasLen, 0) // last page: no continuation enqueued

	n, err := waitgroup.New(s.kv, cont.WaitGroupKeys.Current).Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, 0)
}

func (s *suite) TestFetchTaskGatesOnBlockingWaitGroup(c *gc.C) {
	ctx := context.Background()
	queue := &recordingQueue{}
	pub := &recordingPublisher{}

	blockingKey := "wg_rarebreed_deals_run1"
	c.Assert(waitgroup.New(s.kv, blockingKey).Add(ctx, 1), gc.IsNil) // still has outstanding pages

	cont := orchestrate.Continuation{
		CustomerName:  "rarebreed",
		ObjectName:    "contacts",
		WaitGroupKeys: orchestrate.WaitGroupKeys{Blocking: blockingKey, Current: "wg_rarebreed_contacts_run1"},
	}

	task := orchestrate.NewFetchTask(s.kv, queue, onePageFetcher{}, pub, cont)
	c.Assert(task.Run(ctx), gc.IsNil)

	c.Assert(pub.submitted, gc.HasLen, 0)
	c.Assert(queue.enqueued, gc.HasLen, 1)
	c.Assert(queue.enqueued[0], gc.DeepEquals, cont) // re-enqueued unchanged, to retry the gate
}

type twoPageFetcher struct{ called int }

func (f *twoPageFetcher) FetchPage(ctx context.Context, c orchestrate.Continuation) (orchestrate.PageResult, error) {
	f.called++
	if f.called == 1 {
		next := c
		next.After = "page-2"
		return orchestrate.PageResult{LastPage: false, Next: next}, nil
	}
	return orchestrate.PageResult{LastPage: true}, nil
}

func (s *suite) TestFetchTaskReenqueuesWhenMorePagesRemain(c *gc.C) {
	ctx := context.Background()
	queue := &recordingQueue{}
	pub := &recordingPublisher{}
	fetcher := &twoPageFetcher{}

	cont := orchestrate.Continuation{
		CustomerName:  "rarebreed",
		ObjectName:    "deals",
		WaitGroupKeys: orchestrate.WaitGroupKeys{Current: "wg_rarebreed_deals_run1"},
	}
	c.Assert(waitgroup.New(s.kv, cont.WaitGroupKeys.Current).Add(ctx, 1), gc.IsNil)

	task := orchestrate.NewFetchTask(s.kv, queue, fetcher, pub, cont)
	c.Assert(task.Run(ctx), gc.IsNil)

	c.Assert(queue.enqueued, gc.HasLen, 1)
	c.Assert(queue.enqueued[0].After, gc.Equals, "page-2")

	// Add(1) for the continuation, Done(1) for this task: net unchanged.
	n, err := waitgroup.New(s.kv, cont.WaitGroupKeys.Current).Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, 1)
}

type failingFetcher struct{ err error }

func (f failingFetcher) FetchPage(ctx context.Context, c orchestrate.Continuation) (orchestrate.PageResult, error) {
	return orchestrate.PageResult{}, f.err
}

func (s *suite) TestFetchTaskPoisonsWaitGroupOnFetchFailure(c *gc.C) {
	ctx := context.Background()
	queue := &recordingQueue{}
	pub := &recordingPublisher{}

	currentKey := "wg_rarebreed_deals_run1"
	cont := orchestrate.Continuation{
		CustomerName:  "rarebreed",
		ObjectName:    "deals",
		WaitGroupKeys: orchestrate.WaitGroupKeys{Current: currentKey},
	}
	c.Assert(waitgroup.New(s.kv, currentKey).Add(ctx, 1), gc.IsNil)

	task := orchestrate.NewFetchTask(s.kv, queue, failingFetcher{err: jujuerrors.New("upstream 500")}, pub, cont)
	err := task.Run(ctx)
	c.Assert(err, gc.NotNil)
	c.Assert(pub.submitted, gc.HasLen, 0)

	n, err := waitgroup.New(s.kv, currentKey).Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, waitgroup.Stopped)

	// A successor chained on this key must see the poison and abort
	// instead of re-enqueuing forever.
	successor := orchestrate.Continuation{
		CustomerName:  "rarebreed",
		ObjectName:    "contacts",
		WaitGroupKeys: orchestrate.WaitGroupKeys{Blocking: currentKey, Current: "wg_rarebreed_contacts_run1"},
	}
	successorTask := orchestrate.NewFetchTask(s.kv, queue, onePageFetcher{}, pub, successor)
	err = successorTask.Run(ctx)
	c.Assert(err, gc.NotNil)
	c.Assert(jujuerrors.Cause(err), gc.Equals, waitgroup.ErrStopped)
	c.Assert(queue.enqueued, gc.HasLen, 0) // aborted, not re-enqueued
}

func (s *suite) TestLaunchOrdersByPriorityAndChainsWaitGroups(c *gc.C) {
	ctx := context.Background()
	queue := &recordingQueue{}

	objects := []orchestrate.PriorityObject{
		{Name: "contacts", Priority: 1},
		{Name: "deals", Priority: 0},
	}
	err := orchestrate.Launch(ctx, s.kv, queue, "rarebreed", objects, func(obj string) orchestrate.Continuation {
		return orchestrate.Continuation{Limit: 100}
	})
	c.Assert(err, gc.IsNil)
	c.Assert(queue.enqueued, gc.HasLen, 2)

	c.Assert(queue.enqueued[0].ObjectName, gc.Equals, "deals")
	c.Assert(queue.enqueued[0].WaitGroupKeys.Blocking, gc.Equals, "")

	c.Assert(queue.enqueued[1].ObjectName, gc.Equals, "contacts")
	c.Assert(queue.enqueued[1].WaitGroupKeys.Blocking, gc.Equals, queue.enqueued[0].WaitGroupKeys.Current)
}
