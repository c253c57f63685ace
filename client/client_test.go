package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"hostcall/codec"
	"hostcall/discovery"
	"hostcall/handlers"
	"hostcall/loadbalance"
	"hostcall/memory"
	"hostcall/message"
	"hostcall/middleware"
	"hostcall/payload"
	"hostcall/registry"
	"hostcall/server"
	"hostcall/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type session struct {
	mem     *memory.Domain
	reg     *registry.Registry
	disc    *discovery.Static
	svr     *server.Server
	console *syncBuffer
	name    string
}

// startSession runs a hostcalld session for device 1 on a loopback listener and
// announces it in a static discovery table.
func startSession(t testing.TB, mws ...middleware.Middleware) *session {
	t.Helper()
	s := &session{
		mem:     memory.NewDomain(),
		reg:     registry.New(),
		disc:    discovery.NewStatic(),
		console: &syncBuffer{},
		name:    discovery.SessionName(1),
	}
	if err := s.mem.AddDevice(1, 4<<20); err != nil {
		t.Fatal(err)
	}
	svcs := handlers.New(s.mem, handlers.WithConsole(s.console))
	if err := handlers.RegisterDefaults(s.reg, registry.DeviceSession{Device: 1}, svcs); err != nil {
		t.Fatal(err)
	}
	s.svr = newServer(s.reg, s.disc, mws...)
	serve(t, s.disc, s.svr)
	return s
}

func newServer(reg *registry.Registry, disc discovery.Discovery, mws ...middleware.Middleware) *server.Server {
	svr := server.NewServer(reg, server.WithSession(1), server.WithDiscovery(disc, "", 10))
	for _, mw := range mws {
		svr.Use(mw)
	}
	return svr
}

// serve runs svr on a loopback listener and waits until its address is announced.
func serve(t testing.TB, disc *discovery.Static, svr *server.Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	addr := l.Addr().String()
	deadline := time.Now().Add(2 * time.Second)
	for {
		eps, _ := disc.Discover(svr.Session())
		for _, ep := range eps {
			if ep.Addr == addr {
				return addr
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never announced", addr)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// cachedEndpoints waits until the client's view of session holds want endpoints.
func cachedEndpoints(t *testing.T, c *Client, session string, want int) []discovery.Endpoint {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var eps []discovery.Endpoint
		c.mu.Lock()
		if v, ok := c.views[session]; ok && v.live {
			eps = v.eps
		}
		c.mu.Unlock()
		if len(eps) == want {
			return eps
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect %d cached endpoints for %s, got %v", want, session, eps)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newClient(t testing.TB, s *session, ct codec.CodecType) *Client {
	t.Helper()
	c := NewClient(s.disc, &loadbalance.RoundRobinBalancer{}, ct, 2)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientMallocPrintfFree(t *testing.T) {
	s := startSession(t)
	ctx := context.Background()

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		c := newClient(t, s, ct)

		res, err := c.Malloc(ctx, s.name, 6)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != payload.StatusSuccess || res.Address.Device() != 1 {
			t.Fatalf("unexpected malloc result %+v", res)
		}

		if err := s.mem.CopyToDevice(res.Address, []byte("hello\x00")); err != nil {
			t.Fatal(err)
		}
		status, err := c.Printf(ctx, s.name, 6, res.Address)
		if err != nil {
			t.Fatal(err)
		}
		if status != payload.StatusSuccess {
			t.Fatalf("expect printf success, got %s", status)
		}

		// PRINTF freed the buffer
		if s.mem.Live() != 0 {
			t.Fatalf("expect no live buffers, got %d", s.mem.Live())
		}

		res, err = c.Malloc(ctx, s.name, 32)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Free(ctx, s.name, res.Address); err != nil {
			t.Fatal(err)
		}
		if s.mem.Live() != 0 {
			t.Fatalf("expect FREE to release the buffer, %d live", s.mem.Live())
		}
	}

	if got := s.console.String(); got != "hello\nhello\n" {
		t.Fatalf("console: %q", got)
	}
}

func TestClientDemo(t *testing.T) {
	s := startSession(t)
	c := newClient(t, s, codec.CodecTypeBinary)
	ctx := context.Background()

	a := []int32{1, 0, 3, -4, 65536}
	b := []int32{5, 6, 0, 2, 65536}
	want := []int32{5, 0, 0, -8, 0}

	var addrs [3]memory.Address
	for i := range addrs {
		res, err := c.Malloc(ctx, s.name, uint64(len(a)*memory.Int32Size))
		if err != nil {
			t.Fatal(err)
		}
		addrs[i] = res.Address
	}
	if err := s.mem.CopyToDevice(addrs[0], memory.Int32sToBytes(a)); err != nil {
		t.Fatal(err)
	}
	if err := s.mem.CopyToDevice(addrs[1], memory.Int32sToBytes(b)); err != nil {
		t.Fatal(err)
	}

	res, err := c.Demo(ctx, s.name, payload.DemoArgs{Count: uint64(len(a)), A: addrs[0], B: addrs[1], C: addrs[2]})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != payload.StatusSuccess || res.Zeros != 3 {
		t.Fatalf("unexpected demo result %+v", res)
	}

	out := make([]byte, len(want)*memory.Int32Size)
	if err := s.mem.CopyFromDevice(out, addrs[2]); err != nil {
		t.Fatal(err)
	}
	got, err := memory.BytesToInt32s(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("C mismatch (-want +got):\n%s", diff)
	}

	for _, addr := range addrs {
		if err := c.Free(ctx, s.name, addr); err != nil {
			t.Fatal(err)
		}
	}
	if s.mem.Live() != 0 {
		t.Fatalf("expect all buffers freed, %d live", s.mem.Live())
	}
}

func TestClientConcurrentMalloc(t *testing.T) {
	s := startSession(t)
	c := newClient(t, s, codec.CodecTypeBinary)

	const n = 64
	addrs := make([]memory.Address, n)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := c.Malloc(ctx, s.name, 128)
			if err != nil {
				return err
			}
			if res.Status != payload.StatusSuccess {
				return errors.New(res.Status.String())
			}
			addrs[i] = res.Address
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := make(map[memory.Address]bool, n)
	for _, addr := range addrs {
		if seen[addr] {
			t.Fatalf("address %s handed out twice", addr)
		}
		seen[addr] = true
	}
	if s.mem.Live() != n {
		t.Fatalf("expect %d live buffers, got %d", n, s.mem.Live())
	}
}

func TestClientUnknownService(t *testing.T) {
	s := startSession(t)
	c := newClient(t, s, codec.CodecTypeBinary)

	p := payload.Payload{9, 9}
	err := c.Call(context.Background(), s.name, 77, &p)
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("expect HostError, got %v", err)
	}
	if !errors.Is(err, registry.ErrUnknownService) {
		t.Fatalf("expect ErrUnknownService, got %v", err)
	}
	if p != (payload.Payload{9, 9}) {
		t.Fatalf("payload changed: %v", p)
	}
}

func TestClientNoEndpoints(t *testing.T) {
	c := NewClient(discovery.NewStatic(), &loadbalance.RoundRobinBalancer{}, codec.CodecTypeBinary, 1)
	defer c.Close()
	_, err := c.Malloc(context.Background(), "device-9", 8)
	if !errors.Is(err, loadbalance.ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestClientCanceled(t *testing.T) {
	s := startSession(t)
	c := newClient(t, s, codec.CodecTypeBinary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Malloc(ctx, s.name, 8); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
}

func TestClientRateLimited(t *testing.T) {
	s := startSession(t, middleware.RateLimitMiddleware(0.001, 1))
	c := newClient(t, s, codec.CodecTypeBinary)
	ctx := context.Background()

	if _, err := c.Malloc(ctx, s.name, 8); err != nil {
		t.Fatal(err)
	}
	_, err := c.Malloc(ctx, s.name, 8)
	var hostErr *HostError
	if !errors.As(err, &hostErr) || hostErr.Code != message.CodeRateLimited {
		t.Fatalf("expect rate limited HostError, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expect ErrRateLimited, got %v", err)
	}
	if errors.Is(err, registry.ErrUnknownService) {
		t.Fatalf("rate limited call must not match ErrUnknownService")
	}
	if s.mem.Live() != 1 {
		t.Fatalf("expect the refused MALLOC to allocate nothing, %d live", s.mem.Live())
	}
}

func TestHostErrorUnwrap(t *testing.T) {
	tests := []struct {
		code message.Code
		want error
	}{
		{message.CodeUnknownService, registry.ErrUnknownService},
		{message.CodeRateLimited, ErrRateLimited},
		{message.CodeUnavailable, transport.ErrClosed},
	}
	for _, tt := range tests {
		// The message text plays no part in matching
		err := &HostError{Service: registry.ServiceDemo, Code: tt.code, Message: registry.ErrUnknownService.Error()}
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expect %v", tt.code, tt.want)
		}
	}
	if err := (&HostError{Code: message.CodeMalformed, Message: registry.ErrUnknownService.Error()}); errors.Is(err, registry.ErrUnknownService) {
		t.Errorf("malformed must not match ErrUnknownService")
	}
}

func TestClientFollowsDiscovery(t *testing.T) {
	s := startSession(t)
	c := newClient(t, s, codec.CodecTypeBinary)
	ctx := context.Background()

	if _, err := c.Malloc(ctx, s.name, 8); err != nil {
		t.Fatal(err)
	}
	cachedEndpoints(t, c, s.name, 1)

	second := serve(t, s.disc, newServer(s.reg, s.disc))
	cachedEndpoints(t, c, s.name, 2)

	if err := s.svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	eps := cachedEndpoints(t, c, s.name, 1)
	if eps[0].Addr != second {
		t.Fatalf("expect only %s cached, got %v", second, eps)
	}

	for i := 0; i < 4; i++ {
		if _, err := c.Malloc(ctx, s.name, 8); err != nil {
			t.Fatalf("call %d after failover: %v", i, err)
		}
	}
}

func TestClientCloseEndsWatch(t *testing.T) {
	s := startSession(t)
	c := newClient(t, s, codec.CodecTypeBinary)
	ctx := context.Background()

	if _, err := c.Malloc(ctx, s.name, 8); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	v := c.views[s.name]
	c.mu.Unlock()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		live := v.live
		c.mu.Unlock()
		if !live {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watch still running after Close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A closed client watches and dials again on the next call
	if _, err := c.Malloc(ctx, s.name, 8); err != nil {
		t.Fatal(err)
	}
}

func TestClientCloseWithCallInFlight(t *testing.T) {
	parked := make(chan struct{})
	release := make(chan struct{})
	reg := registry.New()
	reg.MustRegister(registry.ServiceDemo, registry.HandlerFunc(func(_ registry.Context, _ registry.ServiceID, p *payload.Payload) {
		if p[0] == 1 {
			close(parked)
			<-release
		}
		p[1] = p[0] + 1
	}), registry.DeviceSession{Device: 1})

	disc := discovery.NewStatic()
	serve(t, disc, newServer(reg, disc))
	c := NewClient(disc, &loadbalance.RoundRobinBalancer{}, codec.CodecTypeBinary, 1)
	defer c.Close()
	ctx := context.Background()
	name := discovery.SessionName(1)

	first := make(chan error, 1)
	go func() {
		p := payload.Payload{1}
		first <- c.Call(ctx, name, registry.ServiceDemo, &p)
	}()
	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("first call never reached the handler")
	}

	// The only pooled transport is borrowed by the parked call
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	p := payload.Payload{2}
	if err := c.Call(ctx, name, registry.ServiceDemo, &p); err != nil {
		t.Fatal(err)
	}
	if p[1] != 3 {
		t.Fatalf("expect 3, got %d", p[1])
	}

	close(release)
	select {
	case err := <-first:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call in flight during Close never returned")
	}
}
