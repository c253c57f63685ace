package client

import (
	"context"
	"testing"

	"hostcall/codec"
	"hostcall/memory"
	"hostcall/payload"
)

func benchmarkMallocFree(b *testing.B, ct codec.CodecType) {
	s := startSession(b)
	c := newClient(b, s, ct)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := c.Malloc(ctx, s.name, 64)
		if err != nil {
			b.Fatal(err)
		}
		if err := c.Free(ctx, s.name, res.Address); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMallocFreeBinary(b *testing.B) { benchmarkMallocFree(b, codec.CodecTypeBinary) }
func BenchmarkMallocFreeJSON(b *testing.B)   { benchmarkMallocFree(b, codec.CodecTypeJSON) }

// Concurrent DEMO calls over the pooled, multiplexed transports
func BenchmarkDemoParallel(b *testing.B) {
	s := startSession(b)
	c := newClient(b, s, codec.CodecTypeBinary)
	const n = 256

	var bufs [3]memory.Address
	for i := range bufs {
		res, err := c.Malloc(context.Background(), s.name, n*memory.Int32Size)
		if err != nil {
			b.Fatal(err)
		}
		bufs[i] = res.Address
	}
	args := payload.DemoArgs{Count: n, A: bufs[0], B: bufs[1], C: bufs[2]}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			res, err := c.Demo(context.Background(), s.name, args)
			if err != nil {
				b.Error(err)
				return
			}
			if res.Status != payload.StatusSuccess {
				b.Errorf("unexpected status %s", res.Status)
				return
			}
		}
	})
}
