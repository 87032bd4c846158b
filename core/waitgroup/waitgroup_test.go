package waitgroup_test

import (
	"context"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/VetIntegrations/devourer/core/kv"
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

func (s *suite) TestCountAbsentIsZero(c *gc.C) {
	wg := waitgroup.New(s.kv, "rarebreed_deals_run1")
	n, err := wg.Count(context.Background())
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, 0)
}

func (s *suite) TestAddAndDonePair(c *gc.C) {
	ctx := context.Background()
	wg := waitgroup.New(s.kv, "rarebreed_deals_run1")

	c.Assert(wg.Add(ctx, 3), gc.IsNil)
	n, err := wg.Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, 3)

	c.Assert(wg.Done(ctx), gc.IsNil)
	c.Assert(wg.Done(ctx), gc.IsNil)
	c.Assert(wg.Done(ctx), gc.IsNil)

	n, err = wg.Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, 0)
}

func (s *suite) TestStopIsTerminal(c *gc.C) {
	ctx := context.Background()
	wg := waitgroup.New(s.kv, "rarebreed_deals_run1")

	c.Assert(wg.Add(ctx, 2), gc.IsNil)
	c.Assert(wg.Stop(ctx), gc.IsNil)

	n, err := wg.Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, waitgroup.Stopped)

	err = wg.Add(ctx, 1)
	c.Assert(err, gc.Equals, waitgroup.ErrStopped)

	n, err = wg.Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(n, gc.Equals, waitgroup.Stopped)
}

func (s *suite) TestIndependentKeysDoNotInterfere(c *gc.C) {
	ctx := context.Background()
	a := waitgroup.New(s.kv, "rarebreed_deals_run1")
	b := waitgroup.New(s.kv, "rarebreed_contacts_run1")

	c.Assert(a.Add(ctx, 5), gc.IsNil)
	c.Assert(b.Add(ctx, 2), gc.IsNil)

	na, err := a.Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(na, gc.Equals, 5)

	nb, err := b.Count(ctx)
	c.Assert(err, gc.IsNil)
	c.Assert(nb, gc.Equals, 2)
}
