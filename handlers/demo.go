package handlers

import (
	"encoding/binary"

	"go.uber.org/zap"

	"hostcall/memory"
	"hostcall/payload"
	"hostcall/registry"
)

// Demo computes C[i] = A[i] * B[i] over Count int32 elements and reports how many
// products are zero.
//
// Multiplication is Go int32 multiplication: it wraps around in two's complement, so a
// product that overflows to exactly zero (65536 * 65536) counts as a zero.
func (s *Services) Demo(ctx registry.Context, id registry.ServiceID, p *payload.Payload) {
	args := p.DemoArgs()

	if args.Count > uint64(s.scratch.MaxScratch()/memory.Int32Size) {
		s.log.Warn("demo count too large", zap.Uint64("count", args.Count))
		payload.DemoResult{Status: payload.StatusError}.StoreTo(p)
		return
	}
	n := args.Count * memory.Int32Size

	a, releaseA, err := s.acquire(n)
	if err != nil {
		payload.DemoResult{Status: statusOf(err)}.StoreTo(p)
		return
	}
	defer releaseA()
	b, releaseB, err := s.acquire(n)
	if err != nil {
		payload.DemoResult{Status: statusOf(err)}.StoreTo(p)
		return
	}
	defer releaseB()
	c, releaseC, err := s.acquire(n)
	if err != nil {
		payload.DemoResult{Status: statusOf(err)}.StoreTo(p)
		return
	}
	defer releaseC()

	if err := s.mem.CopyFromDevice(a, args.A); err != nil {
		s.log.Warn("demo copy of A failed", zap.Stringer("addr", args.A), zap.Error(err))
		payload.DemoResult{Status: statusOf(err)}.StoreTo(p)
		return
	}
	if err := s.mem.CopyFromDevice(b, args.B); err != nil {
		s.log.Warn("demo copy of B failed", zap.Stringer("addr", args.B), zap.Error(err))
		payload.DemoResult{Status: statusOf(err)}.StoreTo(p)
		return
	}

	zeros := vectorProductZeros(a, b, c)

	if err := s.mem.CopyToDevice(args.C, c); err != nil {
		s.log.Warn("demo copy of C failed", zap.Stringer("addr", args.C), zap.Error(err))
		payload.DemoResult{Status: statusOf(err), Zeros: uint64(zeros)}.StoreTo(p)
		return
	}
	payload.DemoResult{Status: payload.StatusSuccess, Zeros: uint64(zeros)}.StoreTo(p)
}

// vectorProductZeros multiplies little-endian int32 vectors a and b into c and returns
// the number of zero products.
func vectorProductZeros(a, b, c []byte) int {
	zeros := 0
	for i := 0; i+memory.Int32Size <= len(c); i += memory.Int32Size {
		x := int32(binary.LittleEndian.Uint32(a[i:]))
		y := int32(binary.LittleEndian.Uint32(b[i:]))
		prod := x * y
		binary.LittleEndian.PutUint32(c[i:], uint32(prod))
		if prod == 0 {
			zeros++
		}
	}
	return zeros
}
