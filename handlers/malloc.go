package handlers

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"hostcall/memory"
	"hostcall/payload"
	"hostcall/registry"
)

// Malloc allocates Size bytes in the memory of the requesting device.
//
// The device comes from the DeviceSession bound at registration. Without one the
// allocation lands on DefaultDevice and a warning is logged on every such call.
func (s *Services) Malloc(ctx registry.Context, id registry.ServiceID, p *payload.Payload) {
	args := p.MallocArgs()

	device, ok := deviceOf(ctx)
	if !ok {
		s.log.Warn("malloc without device session, using default device", zap.Uint32("device", uint32(device)))
	}

	addr, err := s.mem.Allocate(args.Size, device)
	if err != nil {
		s.log.Warn("device allocation failed",
			zap.Uint32("device", uint32(device)),
			zap.String("size", humanize.IBytes(args.Size)),
			zap.Error(err))
		payload.MallocResult{Status: statusOf(err), Address: memory.Address(0)}.StoreTo(p)
		return
	}

	s.log.Debug("device allocation",
		zap.Uint32("device", uint32(device)),
		zap.String("size", humanize.IBytes(args.Size)),
		zap.Stringer("addr", addr))
	payload.MallocResult{Status: payload.StatusSuccess, Address: addr}.StoreTo(p)
}
