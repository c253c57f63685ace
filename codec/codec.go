package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name ("json", "binary") to its CodecType.
func ParseCodecType(name string) (CodecType, bool) {
	switch name {
	case "json":
		return CodecTypeJSON, true
	case "binary", "":
		return CodecTypeBinary, true
	}
	return 0, false
}
