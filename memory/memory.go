// Package memory defines the memory-transfer capability the host services depend on,
// together with an in-process device domain and a host scratch pool.
//
// Device addresses are opaque 64-bit values owned by the device side. Host code never
// dereferences them; every access goes through a Transfer:
//
//	device buffer ──CopyFromDevice──► host scratch ──CopyToDevice──► device buffer
//	Allocate(size, device) ──► Address        Free(Address)
package memory

import (
	"errors"
	"fmt"
)

// Address is a location in a device memory domain. The zero Address is null.
type Address uint64

// DeviceID identifies one device memory domain.
type DeviceID uint32

// deviceShift places the device identity in the top byte of an Address.
const deviceShift = 56

const offsetMask = uint64(1)<<deviceShift - 1

// MakeAddress builds an Address from a device identity and an offset inside that device.
func MakeAddress(device DeviceID, offset uint64) Address {
	return Address(uint64(device)<<deviceShift | offset&offsetMask)
}

// Device returns the device identity encoded in the address.
func (a Address) Device() DeviceID { return DeviceID(uint64(a) >> deviceShift) }

// Offset returns the offset of the address inside its device.
func (a Address) Offset() uint64 { return uint64(a) & offsetMask }

func (a Address) String() string {
	return fmt.Sprintf("dev%d:%#x", a.Device(), a.Offset())
}

var (
	ErrInvalidAddress = errors.New("memory: invalid device address")
	ErrOutOfMemory    = errors.New("memory: device out of memory")
	ErrUnknownDevice  = errors.New("memory: unknown device")
	ErrOutOfBounds    = errors.New("memory: access out of bounds")
)

// Transfer moves data between the host domain and device domains.
//
// Implementations must be safe for concurrent independent calls. Every call completes or
// fails; none of them block indefinitely.
type Transfer interface {
	// CopyFromDevice copies len(dst) bytes starting at src into dst.
	CopyFromDevice(dst []byte, src Address) error
	// CopyToDevice copies src into the device buffer starting at dst.
	CopyToDevice(dst Address, src []byte) error
	// Allocate reserves size bytes in the memory of the given device.
	Allocate(size uint64, device DeviceID) (Address, error)
	// Free releases a buffer previously returned by Allocate.
	Free(addr Address) error
}
