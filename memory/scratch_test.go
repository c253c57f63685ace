package memory

import (
	"errors"
	"testing"
)

func TestScratchAcquireRelease(t *testing.T) {
	p := NewScratchPool(2, 1024)

	buf, release, err := p.Acquire(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 100 {
		t.Fatalf("expect len 100, got %d", len(buf))
	}
	if p.InUse() != 1 {
		t.Fatalf("expect 1 in use, got %d", p.InUse())
	}
	buf[0] = 0xff

	release()
	release() // idempotent
	if p.InUse() != 0 {
		t.Fatalf("expect 0 in use, got %d", p.InUse())
	}

	// Reused buffers come back zeroed
	buf2, release2, err := p.Acquire(50)
	if err != nil {
		t.Fatal(err)
	}
	defer release2()
	if buf2[0] != 0 {
		t.Fatalf("expect zeroed buffer, got %#x", buf2[0])
	}
}

func TestScratchTooLarge(t *testing.T) {
	p := NewScratchPool(1, 16)

	if _, _, err := p.Acquire(17); !errors.Is(err, ErrScratchTooLarge) {
		t.Fatalf("expect ErrScratchTooLarge, got %v", err)
	}
	if p.InUse() != 0 {
		t.Fatalf("expect failed Acquire to hold nothing, got %d", p.InUse())
	}
}

func TestInt32Conversion(t *testing.T) {
	in := []int32{0, 1, -1, 1 << 30, -(1 << 31)}
	out, err := BytesToInt32s(Int32sToBytes(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("element %d: expect %d, got %d", i, in[i], out[i])
		}
	}
	if _, err := BytesToInt32s(make([]byte, 3)); err == nil {
		t.Fatal("expect error for ragged length")
	}
}
