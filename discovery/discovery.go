// Package discovery lets device-side producers find the host dispatcher serving their
// session.
//
// Every hostcalld session announces one Endpoint per listen address under the session
// name ("device-0", "device-1", ...). A producer asks for the endpoints of its session and
// picks one with a load balancer.
package discovery

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"hostcall/memory"
)

// Endpoint is one reachable host dispatcher.
type Endpoint struct {
	Addr   string
	Device memory.DeviceID
	Weight int // Weight for load balancing
}

// Discovery announces and resolves host dispatcher endpoints.
type Discovery interface {
	Announce(session string, ep Endpoint, ttl int64) error
	Withdraw(session string, addr string) error
	Discover(session string) ([]Endpoint, error)

	// Watch emits the current endpoint list of the session, then the full list again
	// after every change. A slow reader only sees the latest list. The channel is
	// closed once ctx is done.
	Watch(ctx context.Context, session string) <-chan []Endpoint
}

// SessionName returns the conventional session name of a device.
func SessionName(device memory.DeviceID) string {
	return fmt.Sprintf("device-%d", device)
}

// Static is an in-process Discovery. It serves single-host deployments and tests;
// ttl is ignored.
type Static struct {
	mu       sync.RWMutex
	sessions map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

// NewStatic creates an empty in-process discovery table.
func NewStatic() *Static {
	return &Static{
		sessions: make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (s *Static) Announce(session string, ep Endpoint, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eps := slices.DeleteFunc(s.sessions[session], func(e Endpoint) bool { return e.Addr == ep.Addr })
	s.sessions[session] = append(eps, ep)
	s.notify(session)
	return nil
}

func (s *Static) Withdraw(session string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session] = slices.DeleteFunc(s.sessions[session], func(e Endpoint) bool { return e.Addr == addr })
	s.notify(session)
	return nil
}

func (s *Static) Discover(session string) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[session]), nil
}

func (s *Static) Watch(ctx context.Context, session string) <-chan []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []Endpoint, 1)
	ch <- slices.Clone(s.sessions[session])
	s.watchers[session] = append(s.watchers[session], ch)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[session] = slices.DeleteFunc(s.watchers[session], func(w chan []Endpoint) bool { return w == ch })
		if len(s.watchers[session]) == 0 {
			delete(s.watchers, session)
		}
		close(ch)
	}()
	return ch
}

// watching reports how many watchers the session has.
func (s *Static) watching(session string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers[session])
}

// notify pushes the current endpoint list to watchers, replacing any update they have
// not consumed yet. Caller must hold s.mu.
func (s *Static) notify(session string) {
	eps := slices.Clone(s.sessions[session])
	for _, ch := range s.watchers[session] {
		select {
		case <-ch:
		default:
		}
		ch <- eps
	}
}
