package handlers

import (
	"bytes"

	"go.uber.org/zap"

	"hostcall/payload"
	"hostcall/registry"
)

// Printf copies Length bytes of text from the device, writes it to the console and
// frees the device buffer, which the device handed over with the request.
//
// If the copy fails the failure status is returned, nothing is printed and the device
// buffer is left alone. A console write failure reports StatusError; the buffer is still
// freed since its content was already consumed.
func (s *Services) Printf(ctx registry.Context, id registry.ServiceID, p *payload.Payload) {
	args := p.PrintfArgs()

	buf, release, err := s.acquire(args.Length)
	if err != nil {
		s.log.Warn("printf buffer rejected", zap.Uint64("length", args.Length), zap.Error(err))
		payload.PrintfResult{Status: statusOf(err)}.StoreTo(p)
		return
	}
	defer release()

	if err := s.mem.CopyFromDevice(buf, args.Buffer); err != nil {
		s.log.Warn("printf copy failed", zap.Stringer("buffer", args.Buffer), zap.Uint64("length", args.Length), zap.Error(err))
		payload.PrintfResult{Status: statusOf(err)}.StoreTo(p)
		return
	}

	status := payload.StatusSuccess
	text := bytes.TrimRight(buf, "\x00")
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text = append(text, '\n')
	}
	if _, err := s.console.Write(text); err != nil {
		s.log.Warn("printf console write failed", zap.Error(err))
		status = payload.StatusError
	}
	payload.PrintfResult{Status: status}.StoreTo(p)

	if err := s.mem.Free(args.Buffer); err != nil {
		s.log.Warn("printf free failed", zap.Stringer("buffer", args.Buffer), zap.Error(err))
	}
}
