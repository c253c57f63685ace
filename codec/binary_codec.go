package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"hostcall/message"
	"hostcall/payload"
	"hostcall/registry"
)

// BinaryCodec is the compact hostcall encoding:
//
//	┌────────────┬─────────────────────┬─────────┬───────────┬───────────┐
//	│ service u32│ payload 8×u64 (LE)  │ code u8 │ errLen u16│ error ... │
//	└────────────┴─────────────────────┴─────────┴───────────┴───────────┘
//
// Header integers are big-endian like the frame header; the slots keep the device's
// little-endian memory image.
type BinaryCodec struct{}

const binaryFixedSize = 4 + payload.Size + 1 + 2

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Message
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Message")
	}
	if len(msg.Error) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: error string too long (%d bytes)", len(msg.Error))
	}

	buf := make([]byte, 4, binaryFixedSize+len(msg.Error))

	// Service -- 4 bytes
	binary.BigEndian.PutUint32(buf[0:4], uint32(msg.Service))

	// Payload -- 64 bytes
	buf, _ = msg.Payload.AppendBinary(buf)

	// Code -- 1 byte
	buf = append(buf, byte(msg.Code))

	// Error length -- 2 bytes, then error bytes
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Message
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *Message")
	}
	if len(data) < binaryFixedSize {
		return fmt.Errorf("BinaryCodec: short message: %d bytes", len(data))
	}

	offset := 0

	// Read Service
	msg.Service = registry.ServiceID(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	// Read Payload
	if err := msg.Payload.UnmarshalBinary(data[offset : offset+payload.Size]); err != nil {
		return err
	}
	offset += payload.Size

	// Read Code
	msg.Code = message.Code(data[offset])
	offset++

	// Read Error
	errLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data)-offset != errLen {
		return fmt.Errorf("BinaryCodec: error length %d does not match remaining %d bytes", errLen, len(data)-offset)
	}
	msg.Error = string(data[offset : offset+errLen])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
