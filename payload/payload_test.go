package payload

import (
	"bytes"
	"testing"

	"hostcall/memory"
)

func TestBinaryLayout(t *testing.T) {
	p := Payload{1, 0x0102030405060708}

	data, err := p.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != Size {
		t.Fatalf("expect %d bytes, got %d", Size, len(data))
	}
	// Slot 1 is little-endian at bytes 8..16
	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(data[8:16], want) {
		t.Fatalf("expect slot 1 bytes %x, got %x", want, data[8:16])
	}

	var q Payload
	if err := q.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if q != p {
		t.Fatalf("expect %v, got %v", p, q)
	}
	if err := q.UnmarshalBinary(data[:10]); err == nil {
		t.Fatal("expect error for short input")
	}
}

func TestViewsTouchOnlyDeclaredSlots(t *testing.T) {
	sentinel := Payload{9, 9, 9, 9, 9, 9, 9, 9}

	p := sentinel
	FreeArgs{Buffer: 0x40}.StoreTo(&p)
	if p[0] != 9 || p[1] != 0x40 || p[2] != 9 {
		t.Fatalf("FreeArgs must only write slot 1, got %v", p)
	}

	p = sentinel
	MallocResult{Status: StatusSuccess, Address: 0x80}.StoreTo(&p)
	if p[0] != 0 || p[1] != 0x80 || p[2] != 9 {
		t.Fatalf("MallocResult must only write slots 0-1, got %v", p)
	}

	p = sentinel
	PrintfResult{Status: StatusError}.StoreTo(&p)
	if p[0] != uint64(StatusError) || p[1] != 9 {
		t.Fatalf("PrintfResult must only write slot 0, got %v", p)
	}

	p = sentinel
	DemoArgs{Count: 5, A: 1, B: 2, C: 3}.StoreTo(&p)
	if p[4] != 9 {
		t.Fatalf("DemoArgs must not write slot 4, got %v", p)
	}
	args := p.DemoArgs()
	if args.Count != 5 || args.A != 1 || args.B != 2 || args.C != memory.Address(3) {
		t.Fatalf("unexpected DemoArgs %+v", args)
	}
}

func TestStatusString(t *testing.T) {
	if StatusSuccess.String() != "success" || !StatusSuccess.OK() {
		t.Fatal("unexpected StatusSuccess rendering")
	}
	if Status(42).String() != "status(42)" {
		t.Fatalf("expect status(42), got %s", Status(42))
	}
}
