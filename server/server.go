// Package server is the host-side hostcall dispatcher for one device session.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest
//	    → Codec.Decode → Middleware Chain → businessHandler (Registry.Dispatch) → Codec.Encode → write response
//
// The registry is frozen when serving starts, so concurrent requests only ever read it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostcall/codec"
	"hostcall/discovery"
	"hostcall/memory"
	"hostcall/message"
	"hostcall/middleware"
	"hostcall/protocol"
	"hostcall/registry"
)

// Server dispatches hostcalls arriving on a listener to the handlers of one Registry.
type Server struct {
	registry    *registry.Registry      // Service table of this session, frozen by Serve
	session     string                  // Session name announced to discovery ("device-0")
	device      memory.DeviceID         // Device served by this session
	listener    net.Listener            // Stream listener
	wg          sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool             // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Applied in the order added
	chainOnce   sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	log         *zap.Logger

	discovery     discovery.Discovery // nil when not announcing
	advertiseAddr string              // Address producers dial, may differ from the listen address
	ttl           int64

	connMu sync.Mutex // Guards conns, listener and advertiseAddr
	conns  map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger (default no-op).
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithSession names the device session the server serves.
func WithSession(device memory.DeviceID) Option {
	return func(s *Server) {
		s.device = device
		s.session = discovery.SessionName(device)
	}
}

// WithDiscovery announces the server under its session at advertiseAddr with a lease of
// ttl seconds once it is listening.
func WithDiscovery(d discovery.Discovery, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.discovery = d
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// NewServer creates a dispatcher over reg. reg must be fully populated before Serve.
func NewServer(reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		session:  discovery.SessionName(0),
		log:      zap.NewNop(),
		ttl:      10,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Use registers a middleware. Middlewares must be added before the first request.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Session returns the session name of the server.
func (svr *Server) Session() string { return svr.session }

// Addr returns the listen address, or nil before serving.
func (svr *Server) Addr() net.Addr {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve listens on the given address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener freezes the registry, announces the session if discovery is configured
// and enters the Accept loop. It returns nil after Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.registry.Freeze()

	svr.connMu.Lock()
	if svr.shutdown.Load() {
		svr.connMu.Unlock()
		return listener.Close()
	}
	svr.listener = listener
	if svr.discovery != nil && svr.advertiseAddr == "" {
		svr.advertiseAddr = listener.Addr().String()
	}
	addr := svr.advertiseAddr
	svr.connMu.Unlock()

	if svr.discovery != nil {
		if err := svr.discovery.Announce(svr.session, discovery.Endpoint{Addr: addr, Device: svr.device, Weight: 1}, svr.ttl); err != nil {
			listener.Close()
			return fmt.Errorf("announce %s: %w", svr.session, err)
		}
	}

	svr.log.Info("hostcall session serving",
		zap.String("session", svr.session),
		zap.String("addr", listener.Addr().String()),
		zap.Stringers("services", svr.registry.Services()))

	// One goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Closing the listener in Shutdown makes Accept fail; that is not an error
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.track(conn, true) {
			conn.Close()
			continue
		}
		go svr.handleConn(conn)
	}
}

// track adds or removes conn from the live set. Adding fails once shutdown has begun.
func (svr *Server) track(conn net.Conn, add bool) bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if !add {
		delete(svr.conns, conn)
		return true
	}
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

// handleConn reads frames sequentially (a stream has a single reader) and hands each
// request to its own goroutine. The write mutex keeps response frames from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.track(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !svr.shutdown.Load() {
				svr.log.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeResponse:
			svr.log.Warn("unexpected response frame from producer", zap.Uint32("seq", header.Seq))
			continue
		}

		// Draining: the request is dropped and the producer sees the connection close
		if !svr.admit() {
			continue
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// admit counts a request as in flight unless shutdown has begun. Holding connMu orders
// every Add before the Wait in Shutdown.
func (svr *Server) admit() bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

// handleRequest decodes one request, runs it through the middleware chain and writes
// the response with the request's codec and sequence number.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	req := message.Message{}
	var resp *message.Message
	if err := c.Decode(body, &req); err != nil {
		svr.log.Warn("malformed hostcall request", zap.Uint32("seq", header.Seq), zap.Error(err))
		resp = &message.Message{Service: req.Service, Payload: req.Payload, Code: message.CodeMalformed, Error: "malformed request: " + err.Error()}
	} else {
		resp = svr.Dispatch(context.Background(), &req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.log.Error("failed to encode hostcall response", zap.Stringer("service", req.Service), zap.Error(err))
		return
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // Same seq as the request, the producer matches on it
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.log.Warn("failed to write hostcall response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// Dispatch runs one hostcall through the middleware chain and the registry. It returns
// once the handler has completed, with the handler's output in the response payload.
func (svr *Server) Dispatch(ctx context.Context, req *message.Message) *message.Message {
	svr.chainOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
	return svr.handler(ctx, req)
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag
//  2. Withdraw the session from discovery and close the listener
//  3. Wait for in-flight requests, up to timeout
//  4. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.connMu.Lock()
	// Flag first, or Serve would report the Accept error as a real failure
	svr.shutdown.Store(true)
	listener, addr := svr.listener, svr.advertiseAddr
	svr.connMu.Unlock()

	var err error
	if svr.discovery != nil && listener != nil {
		err = multierr.Append(err, svr.discovery.Withdraw(svr.session, addr))
	}
	if listener != nil {
		err = multierr.Append(err, listener.Close())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("timeout waiting for in-flight hostcalls to finish"))
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		err = multierr.Append(err, ignoreClosed(conn.Close()))
	}
	svr.connMu.Unlock()
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// businessHandler is the innermost handler: it hands the request to the registry.
// The handler writes its output into the response copy of the payload; an unknown
// service leaves that copy untouched and sets Code and Error.
func (svr *Server) businessHandler(ctx context.Context, req *message.Message) *message.Message {
	resp := &message.Message{
		Service: req.Service,
		Payload: req.Payload,
	}
	if err := svr.registry.Dispatch(req.Service, &resp.Payload); err != nil {
		resp.Code = message.CodeUnknownService
		resp.Error = err.Error()
	}
	return resp
}
