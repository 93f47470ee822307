package protocol

import (
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"
)

// Value is a typed CQL value. Type selects which payload field is meaningful:
//
//   - Int: short, int, bigint, counter, timestamp (milliseconds since epoch)
//   - Float: float, double
//   - Bool: boolean
//   - Bytes: ascii, text, varchar, blob, custom, inet address, varint and the
//     unscaled magnitude of decimal (two's complement, big-endian)
//   - UUID: uuid, timeuuid
//   - Scale: decimal
//   - Elems: list and set elements
//   - Pairs: map entries in wire order
type Value struct {
	Type  TypeInfo
	Null  bool
	Int   int64
	Float float64
	Bool  bool
	Bytes []byte
	UUID  uuid.UUID
	Scale int32
	Elems []Value
	Pairs []Pair
}

// Pair is one map entry.
type Pair struct {
	Key   Value
	Value Value
}

// Null returns the null value of type t.
func Null(t TypeInfo) Value {
	return Value{Type: t, Null: true}
}

// Short returns a short value. Shorts are sent as CQL int.
func Short(v int16) Value {
	return Value{Type: NativeType(typeShort), Int: int64(v)}
}

func Int(v int32) Value {
	return Value{Type: NativeType(TypeInt), Int: int64(v)}
}

func Bigint(v int64) Value {
	return Value{Type: NativeType(TypeBigint), Int: v}
}

func Counter(v int64) Value {
	return Value{Type: NativeType(TypeCounter), Int: v}
}

func Float(v float32) Value {
	return Value{Type: NativeType(TypeFloat), Float: float64(v)}
}

func Double(v float64) Value {
	return Value{Type: NativeType(TypeDouble), Float: v}
}

func Boolean(v bool) Value {
	return Value{Type: NativeType(TypeBoolean), Bool: v}
}

// Timestamp returns a timestamp value with millisecond precision.
func Timestamp(t time.Time) Value {
	return TimestampMillis(t.UnixMilli())
}

// TimestampMillis returns a timestamp value from milliseconds since the epoch.
func TimestampMillis(ms int64) Value {
	return Value{Type: NativeType(TypeTimestamp), Int: ms}
}

func UUIDValue(u uuid.UUID) Value {
	return Value{Type: NativeType(TypeUUID), UUID: u}
}

func TimeUUIDValue(u uuid.UUID) Value {
	return Value{Type: NativeType(TypeTimeUUID), UUID: u}
}

// Varint returns a varint value from two's complement big-endian bytes. The
// bytes are normalized to their minimal form.
func Varint(b []byte) Value {
	return Value{Type: NativeType(TypeVarint), Bytes: minimalVarint(b)}
}

// VarintInt64 returns a varint value holding v.
func VarintInt64(v int64) Value {
	return Varint(VarintFromBig(big.NewInt(v)))
}

// Decimal returns a decimal value unscaled * 10^-scale.
func Decimal(scale int32, unscaled []byte) Value {
	return Value{Type: NativeType(TypeDecimal), Scale: scale, Bytes: minimalVarint(unscaled)}
}

func Text(s string) Value {
	return Value{Type: NativeType(TypeText), Bytes: []byte(s)}
}

func Varchar(s string) Value {
	return Value{Type: NativeType(TypeVarchar), Bytes: []byte(s)}
}

func ASCII(s string) Value {
	return Value{Type: NativeType(TypeASCII), Bytes: []byte(s)}
}

func Blob(b []byte) Value {
	return Value{Type: NativeType(TypeBlob), Bytes: append([]byte{}, b...)}
}

// Inet returns an inet value. IPv4 addresses are stored in their 4-byte form.
func Inet(ip net.IP) Value {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return Value{Type: NativeType(TypeInet), Bytes: append([]byte{}, ip...)}
}

// List returns a list<elem> value.
func List(elem TypeInfo, elems ...Value) Value {
	return Value{Type: ListOf(elem), Elems: append([]Value{}, elems...)}
}

// Set returns a set<elem> value. Element order is preserved as given.
func Set(elem TypeInfo, elems ...Value) Value {
	return Value{Type: SetOf(elem), Elems: append([]Value{}, elems...)}
}

// Map returns a map<key, value> value with entries in the given order.
func Map(key, value TypeInfo, pairs ...Pair) Value {
	return Value{Type: MapOf(key, value), Pairs: append([]Pair{}, pairs...)}
}

// Time returns the timestamp as a time.Time in UTC.
func (v Value) Time() time.Time {
	return time.UnixMilli(v.Int).UTC()
}

// Str returns the textual payload of ascii, text and varchar values.
func (v Value) Str() string {
	return string(v.Bytes)
}

// BigInt returns the varint payload as a big.Int.
func (v Value) BigInt() *big.Int {
	return VarintToBig(v.Bytes)
}

// IP returns the inet payload.
func (v Value) IP() net.IP {
	return net.IP(v.Bytes)
}

var bigOne = big.NewInt(1)

// VarintFromBig encodes n as minimal two's complement big-endian bytes.
func VarintFromBig(n *big.Int) []byte {
	switch n.Sign() {
	case 0:
		return []byte{0}
	case 1:
		b := n.Bytes()
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	default:
		length := uint(n.BitLen()/8 + 1)
		b := new(big.Int).Add(n, new(big.Int).Lsh(bigOne, length*8)).Bytes()
		if len(b) >= 2 && b[0] == 0xFF && b[1]&0x80 != 0 {
			b = b[1:]
		}
		return b
	}
}

// VarintToBig decodes two's complement big-endian bytes.
func VarintToBig(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(bigOne, uint(len(b))*8))
	}
	return n
}

func minimalVarint(b []byte) []byte {
	if len(b) == 0 {
		return []byte{0}
	}
	i := 0
	for i < len(b)-1 {
		if b[i] == 0x00 && b[i+1]&0x80 == 0 {
			i++
			continue
		}
		if b[i] == 0xFF && b[i+1]&0x80 != 0 {
			i++
			continue
		}
		break
	}
	return append([]byte{}, b[i:]...)
}
