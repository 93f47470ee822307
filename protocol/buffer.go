package protocol

import (
	"encoding/binary"
	"net"

	"github.com/google/uuid"
)

// CopyInto copies as much of src as fits into dst and returns len(src). The
// destination holds the complete value only when the returned total is not
// greater than len(dst).
func CopyInto(dst, src []byte) int {
	copy(dst, src)
	return len(src)
}

// Writer appends protocol primitives to a byte slice. A primitive that
// cannot be represented records a sticky error, reported by Err, and the
// frame must then be discarded.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a Writer appending to buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Err returns the first length overflow hit while writing.
func (w *Writer) Err() error { return w.err }

// putShortLen writes a [short] length or count, recording an error when n
// does not fit.
func (w *Writer) putShortLen(what string, n int) {
	if n > 0xFFFF {
		if w.err == nil {
			w.err = NewError(KindUnsupported, what+" too long for a [short] length", map[string]interface{}{"length": n})
		}
		n = 0xFFFF
	}
	w.PutShort(uint16(n))
}

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) PutByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *Writer) PutShort(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) PutInt(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) PutLong(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// PutString writes a [string]: short length then UTF-8 bytes.
func (w *Writer) PutString(s string) {
	w.putShortLen("string", len(s))
	w.buf = append(w.buf, s...)
}

// PutLongString writes a [long string]: int length then UTF-8 bytes.
func (w *Writer) PutLongString(s string) {
	w.PutInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes writes [bytes]. A nil slice is written as null (length -1).
func (w *Writer) PutBytes(b []byte) {
	if b == nil {
		w.PutInt(-1)
		return
	}
	w.PutInt(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutShortBytes writes [short bytes].
func (w *Writer) PutShortBytes(b []byte) {
	w.putShortLen("short bytes", len(b))
	w.buf = append(w.buf, b...)
}

func (w *Writer) PutStringList(list []string) {
	w.putShortLen("string list", len(list))
	for _, s := range list {
		w.PutString(s)
	}
}

func (w *Writer) PutStringMap(m map[string]string) {
	w.putShortLen("string map", len(m))
	for k, v := range m {
		w.PutString(k)
		w.PutString(v)
	}
}

func (w *Writer) PutConsistency(c Consistency) {
	w.PutShort(uint16(c))
}

func (w *Writer) PutUUID(u uuid.UUID) {
	w.buf = append(w.buf, u[:]...)
}

// PutInet writes an [inet]: address size byte, address bytes, int port.
func (w *Writer) PutInet(ip net.IP, port int32) {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	w.PutByte(byte(len(ip)))
	w.buf = append(w.buf, ip...)
	w.PutInt(port)
}

// Reader consumes protocol primitives from a byte slice. Every method fails
// with a MalformedFrame error instead of reading past the end of the buffer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte { return r.buf[r.pos:] }

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.pos }

func (r *Reader) need(n int, what string) error {
	if n < 0 || r.Remaining() < n {
		return malformed("reading %s: need %d bytes, have %d", what, n, r.Remaining())
	}
	return nil
}

func (r *Reader) next(n int, what string) ([]byte, error) {
	if err := r.need(n, what); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.next(1, "byte")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadShort() (uint16, error) {
	b, err := r.next(2, "short")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadInt() (int32, error) {
	b, err := r.next(4, "int")
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadLong() (int64, error) {
	b, err := r.next(8, "long")
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n), "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadLongString() (string, error) {
	n, err := r.ReadInt()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n), "long string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads [bytes]. A negative length yields a nil slice. The returned
// slice aliases the underlying buffer.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	b, err := r.next(int(n), "bytes")
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Reader) ReadShortBytes() ([]byte, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	return r.next(int(n), "short bytes")
}

func (r *Reader) ReadStringList() ([]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

func (r *Reader) ReadStringMap() (map[string]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := 0; i < int(n); i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *Reader) ReadStringMultimap() (map[string][]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	m := make(map[string][]string, n)
	for i := 0; i < int(n); i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadStringList()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (r *Reader) ReadConsistency() (Consistency, error) {
	v, err := r.ReadShort()
	return Consistency(v), err
}

func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var u uuid.UUID
	b, err := r.next(16, "uuid")
	if err != nil {
		return u, err
	}
	copy(u[:], b)
	return u, nil
}

func (r *Reader) ReadInet() (net.IP, int32, error) {
	size, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	if size != 4 && size != 16 {
		return nil, 0, malformed("invalid inet address size %d", size)
	}
	b, err := r.next(int(size), "inet")
	if err != nil {
		return nil, 0, err
	}
	ip := make(net.IP, size)
	copy(ip, b)
	port, err := r.ReadInt()
	if err != nil {
		return nil, 0, err
	}
	return ip, port, nil
}

// readCollectionLen reads a collection count or element length, which is a
// short before protocol v3 and an int from v3 on.
func (r *Reader) readCollectionLen(version byte) (int, error) {
	if version >= ProtoVersion3 {
		n, err := r.ReadInt()
		return int(n), err
	}
	n, err := r.ReadShort()
	return int(n), err
}

func (w *Writer) putCollectionLen(version byte, n int) error {
	if version >= ProtoVersion3 {
		w.PutInt(int32(n))
		return nil
	}
	if n > 0xFFFF {
		return NewError(KindUnsupported, "collection too large for protocol version", map[string]interface{}{
			"length":  n,
			"version": version,
		})
	}
	w.PutShort(uint16(n))
	return nil
}
