// Package handlers implements the built-in host services: PRINTF, MALLOC, FREE and DEMO.
//
// Every handler follows the same discipline:
//   - read only the input slots of its service, write every output slot before returning;
//   - never touch a device address except through the memory.Transfer;
//   - release host scratch on every exit path;
//   - on a failed input copy, write the failure status and return without computing,
//     without copying anything back and without freeing device buffers.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"hostcall/memory"
	"hostcall/payload"
	"hostcall/registry"
)

// DefaultDevice is the device MALLOC allocates on when no DeviceSession was registered.
const DefaultDevice memory.DeviceID = 0

// Services carries what the built-in handlers need from the host.
type Services struct {
	mem     memory.Transfer
	scratch *memory.ScratchPool
	console io.Writer
	log     *zap.Logger
}

// Option configures Services.
type Option func(*Services)

// WithConsole sets where PRINTF output goes (default os.Stdout).
func WithConsole(w io.Writer) Option { return func(s *Services) { s.console = w } }

// WithLogger sets the diagnostic logger (default no-op).
func WithLogger(l *zap.Logger) Option { return func(s *Services) { s.log = l } }

// WithScratch sets the host scratch pool (default 8 idle buffers, DefaultMaxScratch).
func WithScratch(p *memory.ScratchPool) Option { return func(s *Services) { s.scratch = p } }

// New creates the built-in services on top of mem.
func New(mem memory.Transfer, opts ...Option) *Services {
	s := &Services{
		mem:     mem,
		console: os.Stdout,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.scratch == nil {
		s.scratch = memory.NewScratchPool(8, memory.DefaultMaxScratch)
	}
	return s
}

// RegisterDefaults binds PRINTF, MALLOC, FREE and DEMO in reg, all sharing ctx.
// It is meant to run once while the host session starts.
func RegisterDefaults(reg *registry.Registry, ctx registry.Context, s *Services) error {
	for _, b := range []struct {
		id registry.ServiceID
		h  registry.HandlerFunc
	}{
		{registry.ServicePrintf, s.Printf},
		{registry.ServiceMalloc, s.Malloc},
		{registry.ServiceFree, s.Free},
		{registry.ServiceDemo, s.Demo},
	} {
		if err := reg.Register(b.id, b.h, ctx); err != nil {
			return err
		}
	}
	return nil
}

// acquire takes n bytes of host scratch, refusing sizes beyond the pool limit before
// they can overflow an int.
func (s *Services) acquire(n uint64) ([]byte, func(), error) {
	if n > uint64(s.scratch.MaxScratch()) {
		return nil, nil, fmt.Errorf("%w: %d bytes", memory.ErrScratchTooLarge, n)
	}
	return s.scratch.Acquire(int(n))
}

// statusOf maps a transfer error to the status reported to the device.
func statusOf(err error) payload.Status {
	switch {
	case err == nil:
		return payload.StatusSuccess
	case errors.Is(err, memory.ErrInvalidAddress),
		errors.Is(err, memory.ErrOutOfBounds),
		errors.Is(err, memory.ErrOutOfMemory),
		errors.Is(err, memory.ErrUnknownDevice),
		errors.Is(err, memory.ErrScratchTooLarge):
		return payload.StatusError
	default:
		return payload.StatusUnknown
	}
}

// deviceOf resolves the device a handler acts for. ok is false when no DeviceSession was
// supplied at registration.
func deviceOf(ctx registry.Context) (memory.DeviceID, bool) {
	if ds, ok := ctx.(registry.DeviceSession); ok {
		return ds.Device, true
	}
	return DefaultDevice, false
}
