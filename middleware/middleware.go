// Package middleware wraps hostcall dispatch with cross-cutting behavior: logging,
// admission control and metrics.
//
// There is deliberately no timeout or retry layer: a handler always runs its transfers
// to completion, and replaying a request such as MALLOC would allocate twice.
package middleware

import (
	"context"

	"hostcall/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// reject answers a request without dispatching it: the payload goes back as sent.
func reject(req *message.Message, code message.Code, reason string) *message.Message {
	return &message.Message{
		Service: req.Service,
		Payload: req.Payload,
		Code:    code,
		Error:   reason,
	}
}
