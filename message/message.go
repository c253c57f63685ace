// Package message defines the hostcall envelope exchanged between a device-side producer
// and the host dispatcher.
//
// Message is what the codec layer serializes and the protocol layer frames.
package message

import (
	"fmt"

	"hostcall/payload"
	"hostcall/registry"
)

// Code classifies why a request never reached a handler. Producers branch on the code;
// Error is for humans.
type Code uint8

const (
	CodeOK             Code = 0 // Dispatched; the payload is the handler's output
	CodeUnknownService Code = 1 // No handler registered for Service
	CodeRateLimited    Code = 2 // Refused by admission control
	CodeMalformed      Code = 3 // The request body could not be decoded
	CodeUnavailable    Code = 4 // Set by the producer's transport when the connection is lost
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnknownService:
		return "unknown_service"
	case CodeRateLimited:
		return "rate_limited"
	case CodeMalformed:
		return "malformed"
	case CodeUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("code_%d", uint8(c))
}

// Message carries a single hostcall request or response.
//
//   - On request:  Service selects the handler, Payload holds the arguments, Error is empty.
//   - On response: Payload holds the handler's output; Code is not CodeOK only when the
//     request never reached a handler (unknown service, rate limit), in which case Error
//     describes it and the payload comes back exactly as sent.
type Message struct {
	Service registry.ServiceID
	Payload payload.Payload
	Code    Code
	Error   string
}
