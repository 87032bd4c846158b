package publish_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/worker/v4"
	gc "gopkg.in/check.v1"

	"github.com/VetIntegrations/devourer/core/envelope"
	"github.com/VetIntegrations/devourer/core/publish"
)

func Test(t *testing.T) { gc.TestingT(t) }

type suite struct{}

var _ = gc.Suite(&suite{})

type fakeHandle struct{ err error }

func (h fakeHandle) Wait(ctx context.Context) error { return h.err }

type fakeBus struct {
	mu       sync.Mutex
	received [][]byte
	waitErr  error
	pubErr   error
}

func (b *fakeBus) Publish(ctx context.Context, topic string, body []byte) (publish.Handle, error) {
	if b.pubErr != nil {
		return nil, b.pubErr
	}
	b.mu.Lock()
	b.received = append(b.received, body)
	b.mu.Unlock()
	return fakeHandle{err: b.waitErr}, nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.received)
}

func (s *suite) TestSubmitDeliversToBus(c *gc.C) {
	bus := &fakeBus{}
	p := publish.New(bus, "topic", 2)

	e := envelope.New("c", "vetsuccess", "clients", nil, map[string]any{"id": "1"})
	c.Assert(p.Submit(context.Background(), e), gc.IsNil)

	deadline := time.After(time.Second)
	for bus.count() == 0 {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for delivery")
		case <-time.After(time.Millisecond):
		}
	}

	c.Assert(p.Close(context.Background()), gc.IsNil)
}

func (s *suite) TestSubmitFailureIsLoggedNotReturned(c *gc.C) {
	// spec §7: publish failures are logged and do not propagate past the
	// worker. Submit itself only reports cancellation/shutdown errors.
	bus := &fakeBus{pubErr: context.DeadlineExceeded}
	p := publish.New(bus, "topic", 1)

	e := envelope.New("c", "vetsuccess", "clients", nil, map[string]any{"id": "1"})
	err := p.Submit(context.Background(), e)
	c.Assert(err, gc.IsNil)

	c.Assert(p.Close(context.Background()), gc.IsNil)
}

func (s *suite) TestSubmitRespectsContextCancellation(c *gc.C) {
	bus := &fakeBus{}
	// A zero-worker publisher still starts defaultWorkers, so to force
	// Submit to block on the semaphore we exhaust it with unread sends
	// from a single-worker pool whose worker is paused via a blocking bus.
	block := make(chan struct{})
	blockingBus := &blockingFakeBus{unblock: block}
	p := publish.New(blockingBus, "topic", 1)

	e := envelope.New("c", "vetsuccess", "clients", nil, map[string]any{"id": "1"})
	c.Assert(p.Submit(context.Background(), e), gc.IsNil) // occupies the single slot

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, e)
	c.Assert(err, gc.NotNil)

	close(block)
	c.Assert(p.Close(context.Background()), gc.IsNil)
	_ = bus
}

func (s *suite) TestPublisherSatisfiesWorkerInterface(c *gc.C) {
	bus := &fakeBus{}
	p := publish.New(bus, "topic", 1)

	var w worker.Worker = p
	w.Kill()
	c.Assert(w.Wait(), gc.IsNil)
}

type blockingFakeBus struct {
	unblock chan struct{}
}

func (b *blockingFakeBus) Publish(ctx context.Context, topic string, body []byte) (publish.Handle, error) {
	<-b.unblock
	return fakeHandle{}, nil
}
