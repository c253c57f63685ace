// Package transport implements the producer-side connection to a host dispatcher, with
// multiplexing and heartbeat.
//
// ClientTransport lets many hostcalls share one connection. Each request gets a unique
// sequence number, and a background goroutine (recvLoop) reads responses and routes them
// to the waiting caller.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single conn ──→ hostcalld session
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"hostcall/codec"
	"hostcall/message"
	"hostcall/payload"
	"hostcall/protocol"
	"hostcall/registry"
)

// DefaultHeartbeat is the heartbeat interval used by NewClientTransport.
const DefaultHeartbeat = 30 * time.Second

// ErrClosed is returned by Send after the transport has been closed or has lost its
// connection.
var ErrClosed = errors.New("transport closed")

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn    net.Conn        // Underlying connection
	codec   codec.CodecType // Serialization format for this transport
	seq     uint32          // Monotonically increasing sequence number (protected by sending mutex)
	pending sync.Map        // map[uint32]chan *message.Message, each request waits on its own channel
	sending sync.Mutex      // Serializes frame writes and guards closed
	closed  bool
	done    chan struct{}
	once    sync.Once
}

// NewClientTransport creates a transport for the given connection and starts two
// background goroutines:
//   - recvLoop: reads responses and dispatches them to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn, codec codec.CodecType) *ClientTransport {
	return NewClientTransportWithHeartbeat(conn, codec, DefaultHeartbeat)
}

// NewClientTransportWithHeartbeat is NewClientTransport with a custom heartbeat interval.
func NewClientTransportWithHeartbeat(conn net.Conn, codec codec.CodecType, interval time.Duration) *ClientTransport {
	transport := &ClientTransport{
		conn:  conn,
		codec: codec,
		done:  make(chan struct{}),
	}
	go transport.recvLoop()
	go transport.heartbeatLoop(interval)
	return transport
}

// Send encodes and sends one hostcall. It returns the sequence number and a channel
// that receives the response, whose payload is the handler's output.
//
// The sending mutex ensures the whole frame (header + body) is written atomically.
func (t *ClientTransport) Send(service registry.ServiceID, p *payload.Payload) (uint32, <-chan *message.Message, error) {
	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed {
		return 0, nil, ErrClosed
	}

	t.seq++
	seq := t.seq

	msg := message.Message{
		Service: service,
		Payload: *p,
	}
	body, err := codec.GetCodec(t.codec).Encode(&msg)
	if err != nil {
		return 0, nil, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Register the response channel BEFORE sending (avoid race with recvLoop)
	respChan := make(chan *message.Message, 1) // Buffered so recvLoop never blocks
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// recvLoop is the single reader of the connection. Responses can arrive in any order;
// each one is routed to its caller by sequence number.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}

		resp := message.Message{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			resp.Code = message.CodeMalformed
			resp.Error = "malformed response: " + err.Error()
		}

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.Message) <- &resp
		}
	}
}

// fail marks the transport closed and hands an error response to every pending caller
// so none of them blocks forever.
func (t *ClientTransport) fail(err error) {
	t.sending.Lock()
	t.closed = true
	t.sending.Unlock()
	t.once.Do(func() { close(t.done) })

	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(chan *message.Message) <- &message.Message{Code: message.CodeUnavailable, Error: err.Error()}
		return true
	})
}

// Close closes the connection. Pending callers receive an error response.
func (t *ClientTransport) Close() error {
	t.sending.Lock()
	t.closed = true
	t.sending.Unlock()
	t.once.Do(func() { close(t.done) })
	return t.conn.Close()
}

// Closed reports whether the transport can no longer send.
func (t *ClientTransport) Closed() bool {
	t.sending.Lock()
	defer t.sending.Unlock()
	return t.closed
}

// heartbeatLoop sends periodic heartbeat frames. Heartbeat frames have no body.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			MsgType: protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
