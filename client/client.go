// Package client is the device-side producer of hostcalls. It resolves the dispatcher of
// a device session through discovery, picks an endpoint with a load balancer, and
// multiplexes calls over a small pool of transports per endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostcall/codec"
	"hostcall/discovery"
	"hostcall/loadbalance"
	"hostcall/memory"
	"hostcall/message"
	"hostcall/payload"
	"hostcall/registry"
	"hostcall/transport"
)

// ErrRateLimited is matched by a HostError the dispatcher refused under its rate limit.
var ErrRateLimited = errors.New("hostcall rate limited")

// HostError is a failure reported by the dispatcher instead of a handler result.
type HostError struct {
	Service registry.ServiceID
	Code    message.Code
	Message string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host error on %s (%s): %s", e.Service, e.Code, e.Message)
}

// Unwrap maps the response code to a sentinel so callers can test it with errors.Is.
func (e *HostError) Unwrap() error {
	switch e.Code {
	case message.CodeUnknownService:
		return registry.ErrUnknownService
	case message.CodeRateLimited:
		return ErrRateLimited
	case message.CodeUnavailable:
		return transport.ErrClosed
	}
	return nil
}

// sessionView caches the endpoints of one session, kept current by a discovery watch.
type sessionView struct {
	ready chan struct{} // Closed once the first list arrived or the watch ended
	eps   []discovery.Endpoint
	live  bool // False once the watch ended; callers then ask discovery directly
}

type Client struct {
	discovery  discovery.Discovery // Finds the dispatchers of a session
	balancer   loadbalance.Balancer
	transports map[string]chan *transport.ClientTransport // Transport pool per endpoint
	views      map[string]*sessionView                    // Endpoint cache per session
	watchCtx   context.Context                            // Ends every watch on Close
	stopWatch  context.CancelFunc
	codecType  codec.CodecType
	mu         sync.Mutex
	poolSize   int
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger (default no-op).
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func NewClient(disc discovery.Discovery, bal loadbalance.Balancer, codecType codec.CodecType, poolSize int, opts ...Option) *Client {
	if poolSize < 1 {
		poolSize = 1
	}
	c := &Client{
		discovery:  disc,
		balancer:   bal,
		transports: make(map[string]chan *transport.ClientTransport),
		views:      make(map[string]*sessionView),
		codecType:  codecType,
		poolSize:   poolSize,
		log:        zap.NewNop(),
	}
	c.watchCtx, c.stopWatch = context.WithCancel(context.Background())
	for _, o := range opts {
		o(c)
	}
	return c
}

// endpoints returns the cached endpoints of session, starting a watch on first use.
func (c *Client) endpoints(ctx context.Context, session string) ([]discovery.Endpoint, error) {
	c.mu.Lock()
	v, ok := c.views[session]
	if !ok {
		v = &sessionView{ready: make(chan struct{})}
		c.views[session] = v
		go c.watch(c.watchCtx, session, v)
	}
	c.mu.Unlock()

	select {
	case <-v.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	eps, live := v.eps, v.live
	c.mu.Unlock()
	if !live {
		return c.discovery.Discover(session)
	}
	return eps, nil
}

// watch feeds v from discovery until ctx ends or the watch fails, then drops v so the
// next call starts a fresh watch.
func (c *Client) watch(ctx context.Context, session string, v *sessionView) {
	ready := false
	for eps := range c.discovery.Watch(ctx, session) {
		c.mu.Lock()
		v.eps, v.live = eps, true
		c.mu.Unlock()
		if !ready {
			close(v.ready)
			ready = true
		}
		c.log.Debug("session endpoints updated", zap.String("session", session), zap.Int("endpoints", len(eps)))
	}

	c.mu.Lock()
	v.live = false
	if c.views[session] == v {
		delete(c.views, session)
	}
	c.mu.Unlock()
	if !ready {
		close(v.ready)
	}
}

// getTransport borrows a transport for addr along with the pool it belongs to.
func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, chan *transport.ClientTransport, error) {
	c.mu.Lock()
	pool, ok := c.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, c.poolSize)
		c.transports[addr] = pool
	}
	c.mu.Unlock()

	if !ok {
		var d net.Dialer
		for i := 0; i < c.poolSize; i++ {
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				c.mu.Lock()
				delete(c.transports, addr)
				c.mu.Unlock()
				for len(pool) > 0 {
					(<-pool).Close()
				}
				return nil, nil, err
			}
			pool <- transport.NewClientTransport(conn, c.codecType)
		}
		c.log.Debug("connected to dispatcher", zap.String("addr", addr), zap.Int("pool", c.poolSize))
	}

	var t *transport.ClientTransport
	select {
	case t = <-pool:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	// Replace a transport whose connection dropped
	if t.Closed() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			c.putTransport(addr, pool, t)
			return nil, nil, err
		}
		c.log.Info("reconnected to dispatcher", zap.String("addr", addr))
		t = transport.NewClientTransport(conn, c.codecType)
	}
	return t, pool, nil
}

// putTransport returns t to the pool it was borrowed from. A pool that Close replaced,
// or one that is already full, does not take it back and t is closed.
func (c *Client) putTransport(addr string, pool chan *transport.ClientTransport, t *transport.ClientTransport) {
	c.mu.Lock()
	current := c.transports[addr] == pool
	c.mu.Unlock()
	if !current {
		t.Close()
		return
	}
	select {
	case pool <- t:
	default:
		t.Close()
	}
}

// Call submits one hostcall to the dispatcher of session and blocks until the handler
// has completed. On return p holds the handler's output. A *HostError means no handler
// ran and p is unchanged.
//
// If ctx ends first, Call returns ctx.Err(); the hostcall may still run on the host.
func (c *Client) Call(ctx context.Context, session string, id registry.ServiceID, p *payload.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	endpoints, err := c.endpoints(ctx, session)
	if err != nil {
		return err
	}

	ep, err := c.balancer.Pick(endpoints)
	if err != nil {
		return fmt.Errorf("session %s: %w", session, err)
	}

	t, pool, err := c.getTransport(ctx, ep.Addr)
	if err != nil {
		return err
	}
	defer c.putTransport(ep.Addr, pool, t)

	_, ch, err := t.Send(id, p)
	if err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Code != message.CodeOK {
			return &HostError{Service: id, Code: resp.Code, Message: resp.Error}
		}
		*p = resp.Payload
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Printf asks the host to print length bytes at buf and free buf.
func (c *Client) Printf(ctx context.Context, session string, length uint64, buf memory.Address) (payload.Status, error) {
	var p payload.Payload
	payload.PrintfArgs{Length: length, Buffer: buf}.StoreTo(&p)
	if err := c.Call(ctx, session, registry.ServicePrintf, &p); err != nil {
		return payload.StatusUnknown, err
	}
	return p.PrintfResult().Status, nil
}

// Malloc asks the host for a device buffer of size bytes.
func (c *Client) Malloc(ctx context.Context, session string, size uint64) (payload.MallocResult, error) {
	var p payload.Payload
	payload.MallocArgs{Size: size}.StoreTo(&p)
	if err := c.Call(ctx, session, registry.ServiceMalloc, &p); err != nil {
		return payload.MallocResult{Status: payload.StatusUnknown}, err
	}
	return p.MallocResult(), nil
}

// Free asks the host to release buf. The host reports no status.
func (c *Client) Free(ctx context.Context, session string, buf memory.Address) error {
	var p payload.Payload
	payload.FreeArgs{Buffer: buf}.StoreTo(&p)
	return c.Call(ctx, session, registry.ServiceFree, &p)
}

// Demo runs the DEMO vector product on the host.
func (c *Client) Demo(ctx context.Context, session string, args payload.DemoArgs) (payload.DemoResult, error) {
	var p payload.Payload
	args.StoreTo(&p)
	if err := c.Call(ctx, session, registry.ServiceDemo, &p); err != nil {
		return payload.DemoResult{Status: payload.StatusUnknown}, err
	}
	return p.DemoResult(), nil
}

// Close ends every discovery watch and closes every pooled transport. Transports
// borrowed by in-flight calls are closed when they are returned. The client stays
// usable: later calls watch and dial again.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.transports
	c.transports = make(map[string]chan *transport.ClientTransport)
	c.views = make(map[string]*sessionView)
	c.stopWatch()
	c.watchCtx, c.stopWatch = context.WithCancel(context.Background())
	c.mu.Unlock()

	var err error
	for _, pool := range pools {
	drain:
		for {
			select {
			case t := <-pool:
				err = multierr.Append(err, ignoreClosed(t.Close()))
			default:
				break drain
			}
		}
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
