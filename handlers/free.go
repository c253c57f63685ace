package handlers

import (
	"go.uber.org/zap"

	"hostcall/payload"
	"hostcall/registry"
)

// Free releases a device buffer. It reports nothing back; callers that need to know the
// outcome must not use it. Freeing the same address twice is the caller's bug and is
// not detected here beyond whatever the memory provider logs.
func (s *Services) Free(ctx registry.Context, id registry.ServiceID, p *payload.Payload) {
	args := p.FreeArgs()
	if err := s.mem.Free(args.Buffer); err != nil {
		s.log.Warn("device free failed", zap.Stringer("buffer", args.Buffer), zap.Error(err))
	}
}
