package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Compressor transforms frame bodies. Name is the value negotiated in the
// STARTUP COMPRESSION option.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// CompressionAlgorithm selects a frame body compressor. The numeric values
// are the public option values.
type CompressionAlgorithm int

const (
	CompressionNone   CompressionAlgorithm = 0
	CompressionSnappy CompressionAlgorithm = 1
	CompressionLZ4    CompressionAlgorithm = 2
)

func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", int(a))
	}
}

// ParseCompression parses an algorithm name.
func ParseCompression(name string) (CompressionAlgorithm, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, NewError(KindInvalidOption, fmt.Sprintf("unknown compression %q", name), nil)
	}
}

// NewCompressor returns the compressor for a, or nil for CompressionNone.
func NewCompressor(a CompressionAlgorithm) (Compressor, error) {
	switch a {
	case CompressionNone:
		return nil, nil
	case CompressionSnappy:
		return SnappyCompressor{}, nil
	case CompressionLZ4:
		return LZ4Compressor{}, nil
	default:
		return nil, NewError(KindInvalidOption, fmt.Sprintf("unknown compression %d", int(a)), nil)
	}
}

// SnappyCompressor compresses bodies in the snappy block format.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decode(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, WrapError(KindCompression, "snappy decode failed", err)
	}
	return out, nil
}

// LZ4Compressor compresses bodies as a 4-byte big-endian uncompressed length
// followed by an LZ4 block.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return "lz4" }

func (LZ4Compressor) Encode(data []byte) ([]byte, error) {
	buf := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	n, err := lz4.CompressBlock(data, buf[4:], nil)
	if err != nil {
		return nil, WrapError(KindCompression, "lz4 encode failed", err)
	}
	return buf[:4+n], nil
}

func (LZ4Compressor) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, NewError(KindCompression, "lz4 body shorter than length prefix", nil)
	}
	size := binary.BigEndian.Uint32(data)
	if size > MaxFrameSize {
		return nil, NewError(KindCompression, fmt.Sprintf("lz4 uncompressed size %d too large", size), nil)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, WrapError(KindCompression, "lz4 decode failed", err)
	}
	return out[:n], nil
}
