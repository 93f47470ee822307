package protocol

import (
	"fmt"
	"sync"
)

// Frame is one complete protocol message: header plus body bytes.
type Frame struct {
	Header Header
	Body   []byte
}

// Message is a request or response body that knows its opcode.
type Message interface {
	Opcode() Opcode
	WriteBody(w *Writer, version byte) error
}

// Codec frames messages for one protocol version and an optional body
// compressor. It is safe for concurrent use.
type Codec struct {
	version    byte
	compressor Compressor

	// Buffer pool for encoding operations
	bufferPool sync.Pool
}

// NewCodec creates a codec. compressor may be nil.
func NewCodec(version byte, compressor Compressor) *Codec {
	return &Codec{
		version:    version,
		compressor: compressor,
		bufferPool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, 512)
				return &b
			},
		},
	}
}

// Version returns the protocol version of the codec.
func (c *Codec) Version() byte { return c.version }

// Compressor returns the body compressor, or nil.
func (c *Codec) Compressor() Compressor { return c.compressor }

// compressible reports whether a message with op may carry a compressed
// body. STARTUP negotiates compression and OPTIONS precedes it.
func compressible(op Opcode) bool {
	return op != OpStartup && op != OpOptions
}

// Encode serializes msg into a complete frame on the given stream.
func (c *Codec) Encode(msg Message, stream int16, response bool) ([]byte, error) {
	bp := c.bufferPool.Get().(*[]byte)
	defer func() {
		*bp = (*bp)[:0]
		c.bufferPool.Put(bp)
	}()

	w := NewWriter((*bp)[:0])
	if err := msg.WriteBody(w, c.version); err != nil {
		return nil, err
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	body := w.Bytes()
	*bp = body

	h := Header{
		Version:  c.version,
		Response: response,
		Stream:   stream,
		Opcode:   msg.Opcode(),
	}
	if c.compressor != nil && compressible(msg.Opcode()) && len(body) > 0 {
		compressed, err := c.compressor.Encode(body)
		if err != nil {
			return nil, err
		}
		body = compressed
		h.Flags |= FlagCompress
	}
	if len(body) > MaxFrameSize {
		return nil, NewError(KindMalformedFrame, fmt.Sprintf("frame body of %d bytes exceeds limit", len(body)), nil)
	}
	h.Length = int32(len(body))

	out := make([]byte, 0, HeaderSize(c.version)+len(body))
	out = h.AppendTo(out)
	return append(out, body...), nil
}

// Body returns the frame body, decompressed when the compression flag is
// set.
func (c *Codec) Body(f Frame) ([]byte, error) {
	if f.Header.Flags&FlagCompress == 0 {
		return f.Body, nil
	}
	if c.compressor == nil {
		return nil, NewError(KindProtocolViolation, "compressed frame without negotiated compression", nil)
	}
	return c.compressor.Decode(f.Body)
}

// Decode parses the body of f into a response or request message depending
// on the direction bit of its header.
func (c *Codec) Decode(f Frame) (Message, error) {
	body, err := c.Body(f)
	if err != nil {
		return nil, err
	}
	if f.Header.Response {
		return ParseResponse(f.Header.Opcode, body, f.Header.Version)
	}
	return ParseRequest(f.Header.Opcode, body, f.Header.Version)
}

// Assembler accumulates received bytes and yields frames once their whole
// body has arrived. Partial frames are never decoded.
type Assembler struct {
	buf []byte
}

// Feed appends received bytes.
func (a *Assembler) Feed(p []byte) {
	a.buf = append(a.buf, p...)
}

// Buffered returns the number of bytes not yet consumed by Next.
func (a *Assembler) Buffered() int { return len(a.buf) }

// Next returns the next complete frame. ok is false when more bytes are
// needed. An error means the stream is corrupt and cannot be resynchronized.
func (a *Assembler) Next() (f Frame, ok bool, err error) {
	if len(a.buf) == 0 {
		return Frame{}, false, nil
	}
	version := a.buf[0] & protoVersionMask
	if !ValidVersion(version) {
		return Frame{}, false, malformed("invalid protocol version byte 0x%02x", a.buf[0])
	}
	size := HeaderSize(version)
	if len(a.buf) < size {
		return Frame{}, false, nil
	}
	h, err := ParseHeader(a.buf[:size])
	if err != nil {
		return Frame{}, false, err
	}
	total := size + int(h.Length)
	if len(a.buf) < total {
		return Frame{}, false, nil
	}

	body := make([]byte, h.Length)
	copy(body, a.buf[size:total])
	remaining := copy(a.buf, a.buf[total:])
	a.buf = a.buf[:remaining]
	return Frame{Header: h, Body: body}, true, nil
}
