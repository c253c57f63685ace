// Package payload defines the fixed-size slot array exchanged between the device and the
// host for every hostcall, and the per-service views laid over it.
//
// A Payload is eight 64-bit slots. The request arguments are written by the device, the
// handler overwrites the slots its service defines as output, and the same array travels
// back as the response. Slots a service does not define are left as received.
//
//	slot:   0        1        2        3        4 .. 7
//	PRINTF  len|st   buf
//	MALLOC  size|st  addr
//	FREE    -        buf
//	DEMO    n|st     A|zeros  B        C
package payload

import (
	"encoding/binary"
	"fmt"
)

// Slots is the number of 64-bit slots in a Payload.
const Slots = 8

// Size is the encoded size of a Payload in bytes.
const Size = Slots * 8

// Payload is the register-like argument/result array of a hostcall.
type Payload [Slots]uint64

// Status is the value a handler writes into its status slot.
type Status uint64

// Status values shared with the device runtime.
const (
	StatusSuccess Status = 0
	StatusUnknown Status = 1
	StatusError   Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnknown:
		return "unknown"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint64(s))
	}
}

// OK reports whether s is StatusSuccess.
func (s Status) OK() bool { return s == StatusSuccess }

// MarshalBinary encodes the payload as 64 little-endian bytes.
func (p *Payload) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	p.put(buf)
	return buf, nil
}

// UnmarshalBinary decodes exactly 64 little-endian bytes into the payload.
func (p *Payload) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("payload: expect %d bytes, got %d", Size, len(data))
	}
	p.get(data)
	return nil
}

// AppendBinary appends the 64-byte encoding of the payload to b.
func (p *Payload) AppendBinary(b []byte) ([]byte, error) {
	n := len(b)
	b = append(b, make([]byte, Size)...)
	p.put(b[n:])
	return b, nil
}

func (p *Payload) put(buf []byte) {
	for i, v := range p {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
}

func (p *Payload) get(buf []byte) {
	for i := range p {
		p[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
}
