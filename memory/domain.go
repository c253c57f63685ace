package memory

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Alignment is the granularity of every device allocation.
const Alignment = 16

// device is the bookkeeping of one simulated device memory.
type device struct {
	capacity uint64            // Maximum number of live bytes
	used     uint64            // Live bytes
	next     uint64            // Bump offset; never moves backwards so addresses are not reused
	bases    []uint64          // Offsets of live allocations, sorted (bump order keeps it sorted)
	allocs   map[uint64][]byte // Offset → backing bytes
}

// Domain is an in-process set of device memories implementing Transfer.
//
// It stands in for the accelerator runtime when the host services run without real
// hardware: the device simulator, the tests and hostcalld's "sim" backend all use it.
// Freed ranges are never handed out again, so a stale address always fails loudly
// instead of aliasing a newer allocation.
type Domain struct {
	mu      sync.Mutex
	devices map[DeviceID]*device
}

// NewDomain creates an empty domain. Devices are added with AddDevice.
func NewDomain() *Domain {
	return &Domain{devices: make(map[DeviceID]*device)}
}

// AddDevice registers a device memory with the given capacity in bytes.
func (d *Domain) AddDevice(id DeviceID, capacity uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[id]; ok {
		return fmt.Errorf("memory: device %d already exists", id)
	}
	d.devices[id] = &device{
		capacity: capacity,
		next:     Alignment, // Offset 0 of device 0 would be the null address
		allocs:   make(map[uint64][]byte),
	}
	return nil
}

// Allocate reserves size bytes on the device. A zero-size request still yields a
// distinct, non-null address.
func (d *Domain) Allocate(size uint64, id DeviceID) (Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	if size > dev.capacity-dev.used {
		return 0, fmt.Errorf("%w: requested %d, available %d", ErrOutOfMemory, size, dev.capacity-dev.used)
	}

	reserve := alignUp(max(size, 1))
	if reserve < size || dev.next+reserve > offsetMask || dev.next+reserve < dev.next {
		return 0, fmt.Errorf("%w: address space of device %d exhausted", ErrOutOfMemory, id)
	}

	offset := dev.next
	dev.next += reserve
	dev.allocs[offset] = make([]byte, size)
	dev.bases = append(dev.bases, offset)
	dev.used += size
	return MakeAddress(id, offset), nil
}

// Free releases the allocation starting at addr. Interior addresses and addresses that
// were already freed are rejected with ErrInvalidAddress.
func (d *Domain) Free(addr Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, ok := d.devices[addr.Device()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	offset := addr.Offset()
	data, ok := dev.allocs[offset]
	if !ok {
		return fmt.Errorf("%w: %s is not a live allocation", ErrInvalidAddress, addr)
	}

	delete(dev.allocs, offset)
	if i, found := slices.BinarySearch(dev.bases, offset); found {
		dev.bases = slices.Delete(dev.bases, i, i+1)
	}
	dev.used -= uint64(len(data))
	return nil
}

// CopyFromDevice copies len(dst) bytes from the device buffer at src. A zero-length copy
// always succeeds.
func (d *Domain) CopyFromDevice(dst []byte, src Address) error {
	if len(dst) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	region, err := d.resolve(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, region)
	return nil
}

// CopyToDevice copies src into the device buffer at dst. A zero-length copy always succeeds.
func (d *Domain) CopyToDevice(dst Address, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	region, err := d.resolve(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(region, src)
	return nil
}

// resolve finds the live allocation containing [addr, addr+n) and returns that window.
// Caller must hold d.mu.
func (d *Domain) resolve(addr Address, n uint64) ([]byte, error) {
	dev, ok := d.devices[addr.Device()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	offset := addr.Offset()

	// Last allocation whose base is <= offset
	idx := sort.Search(len(dev.bases), func(i int) bool {
		return dev.bases[i] > offset
	}) - 1
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	base := dev.bases[idx]
	data := dev.allocs[base]
	start := offset - base
	if start >= uint64(len(data)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	if n > uint64(len(data))-start {
		return nil, fmt.Errorf("%w: %d bytes at %s, allocation holds %d", ErrOutOfBounds, n, addr, uint64(len(data))-start)
	}
	return data[start : start+n], nil
}

// Live returns the number of live allocations across all devices.
func (d *Domain) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, dev := range d.devices {
		n += len(dev.allocs)
	}
	return n
}

// LiveOn returns the number of live allocations on one device.
func (d *Domain) LiveOn(id DeviceID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[id]; ok {
		return len(dev.allocs)
	}
	return 0
}

// Allocated returns the number of live bytes on the device.
func (d *Domain) Allocated(id DeviceID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[id]; ok {
		return dev.used
	}
	return 0
}

func alignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
