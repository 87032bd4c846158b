// Package orchestrate implements the priority-ordered, wait-group
// chained task orchestration from spec §4.8: one Launch per customer
// enumerates that customer's objects in ascending priority order and
// starts a FetchTask chain per object, each chained object gated on the
// previous one's wait-group reaching zero, grounded in
// devourer/datasources/hubspot/tasks.py's hubspot_integration /
// hubspot_fetch_updates pair.
package orchestrate

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/VetIntegrations/devourer/core/envelope"
	"github.com/VetIntegrations/devourer/core/kv"
	"github.com/VetIntegrations/devourer/core/waitgroup"
)

var logger = loggo.GetLogger("devourer.core.orchestrate")

// retryDelay is how long a gated FetchTask waits before re-checking its
// blocking wait-group, matching hubspot_flow's countdown=10.
const retryDelay = 10 * time.Second

// WaitGroupKeys names the pair of wait-group keys a FetchTask
// coordinates against: the key it must wait to drain (empty for the
// first object in a chain) and the key it increments for its own
// pagination.
type WaitGroupKeys struct {
	Blocking string
	Current  string
}

// Continuation is the re-enqueueable unit of work: everything needed
// to resume an object's pagination at the next page, matching
// hubspot_fetch_updates' keyword arguments.
type Continuation struct {
	CustomerName    string
	ObjectName      string
	Limit           int
	After           string
	WaitGroupKeys   WaitGroupKeys
	IsInitialImport bool
}

// TaskQueue enqueues a Continuation to run again after delay (spec §6);
// its concrete implementation (a task broker) is out of scope.
type TaskQueue interface {
	Enqueue(ctx context.Context, c Continuation, after time.Duration) error
}

// PageResult is what ObjectFetcher.FetchPage returns for one page.
type PageResult struct {
	LastPage bool
	Next     Continuation
	Records  []envelope.Envelope
}

// ObjectFetcher fetches and translates one page of an object's
// upstream data into envelopes, matching HubSpotFetchUpdates.run.
type ObjectFetcher interface {
	FetchPage(ctx context.Context, c Continuation) (PageResult, error)
}

// Publisher is the minimal surface FetchTask needs from core/publish.
type Publisher interface {
	Submit(ctx context.Context, e envelope.Envelope) error
}

// FetchTask runs the five-step pagination algorithm from spec §4.8 for
// a single Continuation.
type FetchTask struct {
	store     kv.Store
	queue     TaskQueue
	fetcher   ObjectFetcher
	publisher Publisher
	cont      Continuation
}

// NewFetchTask builds a FetchTask for one Continuation.
func NewFetchTask(store kv.Store, queue TaskQueue, fetcher ObjectFetcher, publisher Publisher, c Continuation) *FetchTask {
	return &FetchTask{store: store, queue: queue, fetcher: fetcher, publisher: publisher, cont: c}
}

// Run executes: 1) gate on the blocking wait-group, 2) fetch one page,
// 3) re-enqueue the continuation if more pages remain, 4) push fetched
// records, 5) mark this object's own wait-group entry done.
func (t *FetchTask) Run(ctx context.Context) error {
	blocked, err := t.gate(ctx)
	if err != nil {
		return err
	}
	if blocked {
		return t.queue.Enqueue(ctx, t.cont, retryDelay)
	}

	result, err := t.fetcher.FetchPage(ctx, t.cont)
	if err != nil {
		if stopErr := t.stopCurrent(ctx); stopErr != nil {
			logger.Errorf("%s/%s: poisoning wait-group after fetch failure: %v", t.cont.CustomerName, t.cont.ObjectName, stopErr)
		}
		return errors.Annotatef(err, "fetching %s/%s", t.cont.CustomerName, t.cont.ObjectName)
	}

	if !result.LastPage {
		if err := t.reenqueue(ctx, result.Next); err != nil {
			return err
		}
	}

	if err := t.push(ctx, result.Records); err != nil {
		return err
	}

	return t.done(ctx)
}

// gate reports whether this task must wait: true if its blocking
// wait-group still has outstanding pages. A poisoned blocking
// wait-group (waitgroup.Stopped) propagates as an error so the caller
// aborts the chain, matching WaitGroupStopException.
func (t *FetchTask) gate(ctx context.Context) (bool, error) {
	if t.cont.WaitGroupKeys.Blocking == "" {
		return false, nil
	}
	wg := waitgroup.New(t.store, t.cont.WaitGroupKeys.Blocking)
	count, err := wg.Count(ctx)
	if err != nil {
		return false, errors.Annotate(err, "checking blocking wait-group")
	}
	switch {
	case count == waitgroup.Stopped:
		return false, errors.Annotatef(waitgroup.ErrStopped, "%s/%s chain stopped", t.cont.CustomerName, t.cont.ObjectName)
	case count > 0:
		return true, nil
	default:
		return false, nil
	}
}

func (t *FetchTask) reenqueue(ctx context.Context, next Continuation) error {
	wg := waitgroup.New(t.store, t.cont.WaitGroupKeys.Current)
	if err := wg.Add(ctx, 1); err != nil {
		return errors.Annotate(err, "adding continuation to wait-group")
	}
	if err := t.queue.Enqueue(ctx, next, 0); err != nil {
		return errors.Annotate(err, "enqueuing continuation")
	}
	return nil
}

func (t *FetchTask) push(ctx context.Context, records []envelope.Envelope) error {
	for _, rec := range records {
		if err := t.publisher.Submit(ctx, rec); err != nil {
			return errors.Annotate(err, "submitting record to publisher")
		}
	}
	return nil
}

func (t *FetchTask) done(ctx context.Context) error {
	wg := waitgroup.New(t.store, t.cont.WaitGroupKeys.Current)
	return errors.Annotate(wg.Done(ctx), "marking wait-group entry done")
}

// stopCurrent poisons this task's own wait-group entry (spec §4.8 step
// 2: "On HTTP error: raise FetchFailed -> handler stop()s current_key")
// so a successor chained on it observes waitgroup.Stopped via gate and
// aborts instead of looping on retryDelay against a wait-group whose
// count can never reach zero.
func (t *FetchTask) stopCurrent(ctx context.Context) error {
	wg := waitgroup.New(t.store, t.cont.WaitGroupKeys.Current)
	return errors.Annotate(wg.Stop(ctx), "poisoning wait-group after fetch failure")
}

// PriorityObject is one object of a customer's integration, ordered by
// Priority ascending.
type PriorityObject struct {
	Name     string
	Priority int
}

// Launch enumerates a customer's objects in ascending priority order,
// generates a fresh run UUID, derives the wait-group chain keys
// (wg_<customer>_<object>_<run-uuid>, matching the Python
// "waitgroup_{customer}_{object}_{waitgroup_id}" convention, trimmed to
// the spec's key prefix "wg_"), and enqueues the first FetchTask per
// object with the previous object's key as its Blocking key.
func Launch(ctx context.Context, store kv.Store, queue TaskQueue, customerName string, objects []PriorityObject, newContinuation func(objName string) Continuation) error {
	ordered := make([]PriorityObject, len(objects))
	copy(ordered, objects)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	runID := uuid.NewString()
	var previousKey string
	for i, obj := range ordered {
		currentKey := chainKey(customerName, obj.Name, runID)

		c := newContinuation(obj.Name)
		c.CustomerName = customerName
		c.ObjectName = obj.Name
		c.WaitGroupKeys = WaitGroupKeys{Current: currentKey}
		if i != 0 {
			c.WaitGroupKeys.Blocking = previousKey
		}

		if err := waitgroup.New(store, currentKey).Add(ctx, 1); err != nil {
			return errors.Annotatef(err, "seeding wait-group for %s/%s", customerName, obj.Name)
		}
		if err := queue.Enqueue(ctx, c, 0); err != nil {
			return errors.Annotatef(err, "launching %s/%s", customerName, obj.Name)
		}
		logger.Infof("launched %s/%s run=%s priority=%d", customerName, obj.Name, runID, obj.Priority)

		previousKey = currentKey
	}
	return nil
}

func chainKey(customer, object, runID string) string {
	return "wg_" + customer + "_" + object + "_" + runID
}
