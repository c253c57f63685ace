package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrScratchTooLarge is returned when a host scratch request exceeds the pool limit.
var ErrScratchTooLarge = errors.New("memory: scratch request too large")

// DefaultMaxScratch bounds a single host scratch buffer (256 MiB).
const DefaultMaxScratch = 256 << 20

// ScratchPool hands out host-domain scratch buffers scoped to one service call.
//
// Idle buffers sit in a buffered channel: it is goroutine-safe and a full channel simply
// drops the returned buffer. InUse counts buffers acquired but not yet released, which
// makes leaks on early-return paths observable.
type ScratchPool struct {
	idle       chan []byte
	maxScratch int
	inUse      atomic.Int64
}

// NewScratchPool creates a pool keeping at most maxIdle buffers for reuse and refusing
// single requests larger than maxScratch bytes (0 means DefaultMaxScratch).
func NewScratchPool(maxIdle, maxScratch int) *ScratchPool {
	if maxScratch <= 0 {
		maxScratch = DefaultMaxScratch
	}
	return &ScratchPool{
		idle:       make(chan []byte, maxIdle),
		maxScratch: maxScratch,
	}
}

// MaxScratch returns the largest buffer the pool hands out.
func (p *ScratchPool) MaxScratch() int { return p.maxScratch }

// Acquire returns a zeroed buffer of n bytes and the function releasing it. The release
// function is idempotent; callers defer it right after a successful Acquire.
func (p *ScratchPool) Acquire(n int) ([]byte, func(), error) {
	if n < 0 || n > p.maxScratch {
		return nil, nil, fmt.Errorf("%w: %d bytes, limit %d", ErrScratchTooLarge, n, p.maxScratch)
	}

	var buf []byte
	select {
	case b := <-p.idle:
		if cap(b) >= n {
			buf = b[:n]
			clear(buf)
		}
	default:
	}
	if buf == nil {
		buf = make([]byte, n)
	}

	p.inUse.Add(1)
	release := sync.OnceFunc(func() {
		p.inUse.Add(-1)
		select {
		case p.idle <- buf[:0]:
		default: // Pool is full, let the GC have it
		}
	})
	return buf, release, nil
}

// InUse returns the number of buffers acquired and not yet released.
func (p *ScratchPool) InUse() int64 { return p.inUse.Load() }
