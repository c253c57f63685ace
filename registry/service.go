package registry

import (
	"fmt"

	"hostcall/memory"
	"hostcall/payload"
)

// ServiceID selects the handler a hostcall targets. The numbering is shared with the
// device runtime and must not change.
type ServiceID uint32

const (
	ServiceUnused    ServiceID = 0 // never valid on the wire
	ServiceTerminate ServiceID = 1 // consumed by the queue itself to stop its consumer
	ServicePrintf    ServiceID = 2
	ServiceMalloc    ServiceID = 3
	ServiceFree      ServiceID = 4
	ServiceDemo      ServiceID = 5
)

// MaxServiceID is the largest identifier a Registry accepts.
const MaxServiceID ServiceID = 255

var serviceNames = map[ServiceID]string{
	ServiceUnused:    "UNUSED",
	ServiceTerminate: "TERMINATE",
	ServicePrintf:    "PRINTF",
	ServiceMalloc:    "MALLOC",
	ServiceFree:      "FREE",
	ServiceDemo:      "DEMO",
}

func (id ServiceID) String() string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	return fmt.Sprintf("SERVICE_%d", uint32(id))
}

// Context is the value bound to a handler at registration and handed back on every
// dispatch. The set of variants is closed; a nil Context means none was supplied.
type Context interface {
	sessionContext()
}

// DeviceSession is the context of a hostcall consumer serving one device.
type DeviceSession struct {
	Device memory.DeviceID
}

func (DeviceSession) sessionContext() {}

// Handler serves one hostcall. It reads the input slots of its service, overwrites
// its output slots and returns only once every transfer it started has finished:
// returning is what marks the response as ready.
type Handler interface {
	ServeHostcall(ctx Context, id ServiceID, p *payload.Payload)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx Context, id ServiceID, p *payload.Payload)

func (f HandlerFunc) ServeHostcall(ctx Context, id ServiceID, p *payload.Payload) {
	f(ctx, id, p)
}
