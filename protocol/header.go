package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	ProtoVersion1 byte = 0x01
	ProtoVersion2 byte = 0x02
	ProtoVersion3 byte = 0x03

	// DefaultVersion is used when no protocol version is configured.
	DefaultVersion = ProtoVersion2

	protoDirectionMask byte = 0x80
	protoVersionMask   byte = 0x7F

	// MaxFrameSize bounds the declared body length of a single frame.
	MaxFrameSize = 256 << 20

	// EventStream is the reserved stream id on which the server pushes events.
	EventStream int16 = -1
)

// Header flags
const (
	FlagCompress byte = 0x01
	FlagTracing  byte = 0x02
)

// Opcode identifies the message carried by a frame.
type Opcode byte

const (
	OpError         Opcode = 0x00
	OpStartup       Opcode = 0x01
	OpReady         Opcode = 0x02
	OpAuthenticate  Opcode = 0x03
	OpOptions       Opcode = 0x05
	OpSupported     Opcode = 0x06
	OpQuery         Opcode = 0x07
	OpResult        Opcode = 0x08
	OpPrepare       Opcode = 0x09
	OpExecute       Opcode = 0x0A
	OpRegister      Opcode = 0x0B
	OpEvent         Opcode = 0x0C
	OpBatch         Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

func (op Opcode) String() string {
	switch op {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN_OP_%d", byte(op))
	}
}

// Header is the fixed-size prefix of every frame.
type Header struct {
	Version  byte
	Response bool
	Flags    byte
	Stream   int16
	Opcode   Opcode
	Length   int32
}

// ValidVersion reports whether v is a protocol version this package speaks.
func ValidVersion(v byte) bool {
	return v >= ProtoVersion1 && v <= ProtoVersion3
}

// HeaderSize returns the header length for the protocol version.
func HeaderSize(version byte) int {
	if version >= ProtoVersion3 {
		return 9
	}
	return 8
}

// MaxStreams returns the number of concurrent streams a connection can use.
func MaxStreams(version byte) int {
	if version >= ProtoVersion3 {
		return 32768
	}
	return 128
}

// ParseHeader decodes a header from the start of b. The version byte selects
// the header layout.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < 1 {
		return Header{}, malformed("empty header")
	}
	version := b[0] & protoVersionMask
	if !ValidVersion(version) {
		return Header{}, NewError(KindUnsupported, fmt.Sprintf("unsupported protocol version %d", version), nil)
	}
	size := HeaderSize(version)
	if len(b) < size {
		return Header{}, malformed("header needs %d bytes, have %d", size, len(b))
	}

	h := Header{
		Version:  version,
		Response: b[0]&protoDirectionMask != 0,
		Flags:    b[1],
	}
	if version >= ProtoVersion3 {
		h.Stream = int16(binary.BigEndian.Uint16(b[2:4]))
		h.Opcode = Opcode(b[4])
		h.Length = int32(binary.BigEndian.Uint32(b[5:9]))
	} else {
		h.Stream = int16(int8(b[2]))
		h.Opcode = Opcode(b[3])
		h.Length = int32(binary.BigEndian.Uint32(b[4:8]))
	}
	if h.Length < 0 || h.Length > MaxFrameSize {
		return Header{}, malformed("invalid body length %d", h.Length)
	}
	return h, nil
}

// AppendTo appends the encoded header to b.
func (h Header) AppendTo(b []byte) []byte {
	v := h.Version
	if h.Response {
		v |= protoDirectionMask
	}
	b = append(b, v, h.Flags)
	if h.Version >= ProtoVersion3 {
		b = binary.BigEndian.AppendUint16(b, uint16(h.Stream))
	} else {
		b = append(b, byte(int8(h.Stream)))
	}
	b = append(b, byte(h.Opcode))
	return binary.BigEndian.AppendUint32(b, uint32(h.Length))
}

func (h Header) String() string {
	return fmt.Sprintf("[header version=%d response=%t flags=0x%x stream=%d op=%s length=%d]",
		h.Version, h.Response, h.Flags, h.Stream, h.Opcode, h.Length)
}
