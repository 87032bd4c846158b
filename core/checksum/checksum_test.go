package checksum_test

import (
	"context"
	"testing"

	gc "gopkg.in/check.v1"

	"github.com/VetIntegrations/devourer/core/checksum"
	"github.com/VetIntegrations/devourer/core/kv"
)

func Test(t *testing.T) { gc.TestingT(t) }

type suite struct {
	kv *kv.MemStore
}

var _ = gc.Suite(&suite{})

func (s *suite) SetUpTest(c *gc.C) {
	s.kv = kv.NewMemStore()
}

func (s *suite) TestGetAbsent(c *gc.C) {
	ctx := context.Background()
	store := checksum.New(s.kv)
	sc := store.Open("clients")
	defer sc.Close(ctx)

	_, ok, err := sc.Get(ctx, "1")
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, false)
}

func (s *suite) TestFlushOnClose(c *gc.C) {
	ctx := context.Background()
	store := checksum.New(s.kv)

	sc := store.Open("clients")
	sc.Put("1", "digest-a")
	sc.Put("2", "digest-b")
	c.Assert(sc.Close(ctx), gc.IsNil)

	sc2 := store.Open("clients")
	defer sc2.Close(ctx)
	v, ok, err := sc2.Get(ctx, "1")
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, true)
	c.Assert(v, gc.Equals, "digest-a")
}

func (s *suite) TestCloseIsIdempotent(c *gc.C) {
	ctx := context.Background()
	store := checksum.New(s.kv)
	sc := store.Open("clients")
	sc.Put("1", "digest-a")
	c.Assert(sc.Close(ctx), gc.IsNil)
	c.Assert(sc.Close(ctx), gc.IsNil)
}

func (s *suite) TestPutAndMaybeFlushThreshold(c *gc.C) {
	ctx := context.Background()
	store := checksum.New(s.kv)
	sc := store.Open("clients")
	defer sc.Close(ctx)

	for i := 0; i < 1001; i++ {
		c.Assert(sc.PutAndMaybeFlush(ctx, itoa(i), "d"), gc.IsNil)
	}

	// A fresh scope must already observe the flushed entries, proving the
	// threshold flush happened before Close.
	sc2 := store.Open("clients")
	defer sc2.Close(ctx)
	_, ok, err := sc2.Get(ctx, "0")
	c.Assert(err, gc.IsNil)
	c.Assert(ok, gc.Equals, true)
}

func (s *suite) TestDigestMatchesReferenceVectors(c *gc.C) {
	// sha1("1:A") and sha1("2:B"), the scenario-2 vectors from spec §8.
	c.Assert(checksum.Digest([]string{"1", "A"}), gc.Equals, "1698a0bcfaa6856067efbe53c5432930981a02b3")
	c.Assert(checksum.Digest([]string{"2", "B"}), gc.Equals, "4b771d7c9829833b56cfc96530a26a81dc8d1c63")
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}
