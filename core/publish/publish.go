// Package publish implements the bounded asynchronous envelope
// publisher from spec §4.6: a small worker pool drains a queue of
// envelopes onto an external Bus, bounding in-flight work via a
// semaphore and draining to completion on shutdown via tomb, matching
// the teacher's worker-lifecycle idiom.
package publish

import (
	"context"
	"runtime"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"

	"github.com/VetIntegrations/devourer/core/devourererrors"
	"github.com/VetIntegrations/devourer/core/envelope"
)

var logger = loggo.GetLogger("devourer.core.publish")

// Bus is the downstream transport envelopes are published to (spec §6).
type Bus interface {
	Publish(ctx context.Context, topic string, body []byte) (Handle, error)
}

// Handle represents an in-flight publish, matching the original
// DataPublisher's use of a future's .done()/.result().
type Handle interface {
	Wait(ctx context.Context) error
}

var (
	publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "devourer_publish_total",
		Help: "Envelopes handed to the publisher, by topic and outcome.",
	}, []string{"topic", "outcome"})
)

func init() {
	prometheus.MustRegister(publishTotal)
}

// defaultWorkers mirrors the teacher's worker-pool sizing convention:
// half the available cores, never fewer than two.
func defaultWorkers() int {
	if n := runtime.NumCPU() / 2; n >= 2 {
		return n
	}
	return 2
}

// Publisher satisfies worker.Worker so it can be run and depended upon
// by a juju-style dependency engine instead of only a bare Close call.
var _ worker.Worker = (*Publisher)(nil)

// Publisher drains envelopes onto a Bus with bounded concurrency.
type Publisher struct {
	bus   Bus
	topic string

	jobs chan envelope.Envelope
	sem  *semaphore.Weighted
	tomb tomb.Tomb
}

// New starts a Publisher with the given number of workers (defaultWorkers()
// if workers <= 0) publishing to topic on bus.
func New(bus Bus, topic string, workers int) *Publisher {
	if workers <= 0 {
		workers = defaultWorkers()
	}
	p := &Publisher{
		bus:   bus,
		topic: topic,
		jobs:  make(chan envelope.Envelope),
		sem:   semaphore.NewWeighted(int64(workers)),
	}
	for i := 0; i < workers; i++ {
		p.tomb.Go(p.worker)
	}
	return p
}

func (p *Publisher) worker() error {
	for {
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case env, ok := <-p.jobs:
			if !ok {
				return nil
			}
			p.publishOne(env)
		}
	}
}

func (p *Publisher) publishOne(env envelope.Envelope) {
	defer p.sem.Release(1)

	ctx := context.Background()
	body, err := envelope.Marshal(env)
	if err != nil {
		logger.Errorf("marshalling envelope for %s/%s: %v", env.Meta.DataSource, env.Meta.TableName, err)
		publishTotal.WithLabelValues(p.topic, "marshal_error").Inc()
		return
	}

	handle, err := p.bus.Publish(ctx, p.topic, body)
	if err != nil {
		logger.Errorf("%s: publishing %s/%s: %v", devourererrors.ErrPublish, env.Meta.DataSource, env.Meta.TableName, err)
		publishTotal.WithLabelValues(p.topic, "publish_error").Inc()
		return
	}
	if err := handle.Wait(ctx); err != nil {
		logger.Errorf("%s: awaiting publish ack for %s/%s: %v", devourererrors.ErrPublish, env.Meta.DataSource, env.Meta.TableName, err)
		publishTotal.WithLabelValues(p.topic, "ack_error").Inc()
		return
	}
	publishTotal.WithLabelValues(p.topic, "ok").Inc()
}

// Submit enqueues env for asynchronous publish, blocking until a worker
// slot is free or ctx is done. Per spec §7, publish failures are logged
// and do not propagate past the worker; Submit only ever returns an
// error from the caller's own ctx being cancelled or the Publisher
// already shutting down.
func (p *Publisher) Submit(ctx context.Context, env envelope.Envelope) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Annotate(err, "acquiring publisher slot")
	}
	select {
	case p.jobs <- env:
		return nil
	case <-ctx.Done():
		p.sem.Release(1)
		return ctx.Err()
	case <-p.tomb.Dying():
		p.sem.Release(1)
		return tomb.ErrDying
	}
}

// Close stops accepting new work, drains whatever is queued, and waits
// for every worker to finish. Close must only be called once all
// Submit callers have stopped.
func (p *Publisher) Close(ctx context.Context) error {
	close(p.jobs)
	p.tomb.Kill(nil)
	if err := p.tomb.Wait(); err != nil {
		return errors.Annotate(err, "closing publisher")
	}
	return nil
}

// Kill implements worker.Worker: it requests the Publisher stop without
// waiting for it, leaving already-queued jobs undrained. Prefer Close
// for an orderly shutdown; Kill exists so a dependency engine managing
// this Publisher as a worker.Worker can report and recover from it.
func (p *Publisher) Kill() {
	p.tomb.Kill(nil)
}

// Wait implements worker.Worker, blocking until every worker goroutine
// has returned.
func (p *Publisher) Wait() error {
	return p.tomb.Wait()
}
