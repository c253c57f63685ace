package memory

import (
	"encoding/binary"
	"fmt"
)

// Int32Size is the width of one device int32 element.
const Int32Size = 4

// Int32sToBytes encodes v as little-endian int32 elements, the device layout.
func Int32sToBytes(v []int32) []byte {
	out := make([]byte, len(v)*Int32Size)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*Int32Size:], uint32(x))
	}
	return out
}

// BytesToInt32s decodes little-endian int32 elements.
// Returns an error if the length is not a multiple of 4.
func BytesToInt32s(b []byte) ([]int32, error) {
	if len(b)%Int32Size != 0 {
		return nil, fmt.Errorf("byte slice length %d not multiple of %d", len(b), Int32Size)
	}
	out := make([]int32, len(b)/Int32Size)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*Int32Size:]))
	}
	return out, nil
}
