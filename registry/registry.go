// Package registry maps hostcall service identifiers to their handlers.
//
// A Registry is filled once while the host session starts, frozen, and then consulted
// concurrently by every dispatch without locking:
//
//	Register(PRINTF, h, ctx) ... Freeze() ──► Dispatch(id, payload) from any goroutine
//
// Registering an identifier twice is rejected; there is no unregistration.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"hostcall/payload"
)

var (
	ErrInvalidServiceID = errors.New("registry: service id out of range or reserved")
	ErrNilHandler       = errors.New("registry: nil handler")
	ErrDuplicateService = errors.New("registry: service already registered")
	ErrFrozen           = errors.New("registry: registration after freeze")

	// ErrUnknownService is returned by Dispatch for an identifier with no handler.
	ErrUnknownService = errors.New("registry: unknown service")
)

// ConfigError is a registration-time failure. It is a startup configuration problem,
// never a per-request one.
type ConfigError struct {
	ID  ServiceID
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("register %s: %v", e.ID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Descriptor is an immutable registration.
type Descriptor struct {
	ID      ServiceID
	Handler Handler
	Context Context
}

// Registry owns the service table of one host session.
type Registry struct {
	services map[ServiceID]Descriptor
	frozen   atomic.Bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{services: make(map[ServiceID]Descriptor)}
}

// Register binds h and ctx to id. ctx is passed through unmodified on every dispatch.
// Register is not safe for concurrent use and must happen before Freeze.
func (r *Registry) Register(id ServiceID, h Handler, ctx Context) error {
	switch {
	case r.frozen.Load():
		return &ConfigError{ID: id, Err: ErrFrozen}
	case id == ServiceUnused || id == ServiceTerminate || id > MaxServiceID:
		return &ConfigError{ID: id, Err: ErrInvalidServiceID}
	case h == nil:
		return &ConfigError{ID: id, Err: ErrNilHandler}
	}
	if f, ok := h.(HandlerFunc); ok && f == nil {
		return &ConfigError{ID: id, Err: ErrNilHandler}
	}
	if _, dup := r.services[id]; dup {
		return &ConfigError{ID: id, Err: ErrDuplicateService}
	}
	r.services[id] = Descriptor{ID: id, Handler: h, Context: ctx}
	return nil
}

// MustRegister is Register that panics on a configuration error.
func (r *Registry) MustRegister(id ServiceID, h Handler, ctx Context) {
	if err := r.Register(id, h, ctx); err != nil {
		panic(err)
	}
}

// Freeze ends registration. Afterwards the table is read-only.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the descriptor registered for id.
func (r *Registry) Lookup(id ServiceID) (Descriptor, bool) {
	d, ok := r.services[id]
	return d, ok
}

// Services returns the registered identifiers in ascending order.
func (r *Registry) Services() []ServiceID {
	ids := make([]ServiceID, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Dispatch invokes the handler registered for id synchronously, leaving its output in p.
// An unregistered id invokes nothing, leaves p untouched and returns ErrUnknownService.
func (r *Registry) Dispatch(id ServiceID, p *payload.Payload) error {
	d, ok := r.services[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	d.Handler.ServeHostcall(d.Context, id, p)
	return nil
}
