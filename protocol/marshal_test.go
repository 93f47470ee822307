package protocol

import (
	"math"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	intT := NativeType(TypeInt)
	textT := NativeType(TypeText)
	u := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")

	tests := []struct {
		name  string
		value Value
	}{
		{"null int", Null(intT)},
		{"int zero", Int(0)},
		{"int min", Int(math.MinInt32)},
		{"int max", Int(math.MaxInt32)},
		{"bigint min", Bigint(math.MinInt64)},
		{"bigint max", Bigint(math.MaxInt64)},
		{"counter", Counter(-7)},
		{"float", Float(3.25)},
		{"float max", Float(math.MaxFloat32)},
		{"double", Double(-1.5e300)},
		{"boolean true", Boolean(true)},
		{"boolean false", Boolean(false)},
		{"timestamp", TimestampMillis(1700000000123)},
		{"timestamp negative", TimestampMillis(-1)},
		{"uuid", UUIDValue(u)},
		{"timeuuid", TimeUUIDValue(u)},
		{"varint zero", VarintInt64(0)},
		{"varint positive", VarintInt64(128)},
		{"varint negative", VarintInt64(-129)},
		{"varint huge", Varint(VarintFromBig(new(big.Int).Lsh(big.NewInt(1), 100)))},
		{"decimal", Decimal(2, []byte{0x30, 0x39})},
		{"decimal negative scale", Decimal(-3, []byte{0xFF})},
		{"empty text", Text("")},
		{"text", Text("héllo")},
		{"ascii", ASCII("abc")},
		{"varchar", Varchar("x")},
		{"empty blob", Blob(nil)},
		{"blob", Blob([]byte{0, 1, 2, 0xFF})},
		{"inet v4", Inet(net.ParseIP("10.0.0.1"))},
		{"inet v6", Inet(net.ParseIP("2001:db8::1"))},
		{"empty list", List(intT)},
		{"list", List(intT, Int(1), Int(2), Int(3))},
		{"empty set", Set(textT)},
		{"set", Set(textT, Text("a"), Text("b"))},
		{"empty map", Map(textT, intT)},
		{"map", Map(textT, intT, Pair{Text("a"), Int(1)}, Pair{Text("b"), Int(2)})},
		{"list of maps", List(MapOf(textT, intT),
			Map(textT, intT, Pair{Text("k"), Int(1)}),
			Map(textT, intT),
		)},
	}

	for _, version := range []byte{ProtoVersion2, ProtoVersion3} {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b, err := Encode(tt.value, tt.value.Type, version)
				require.NoError(t, err)

				got, err := Decode(b, tt.value.Type, version)
				require.NoError(t, err)
				assert.Equal(t, tt.value, got)
			})
		}
	}
}

func TestEncodeNullIsDistinctFromEmpty(t *testing.T) {
	null, err := Encode(Null(NativeType(TypeText)), NativeType(TypeText), ProtoVersion2)
	require.NoError(t, err)
	assert.Nil(t, null)

	empty, err := Encode(Text(""), NativeType(TypeText), ProtoVersion2)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
}

func TestEncodeWireFormat(t *testing.T) {
	tests := []struct {
		name     string
		value    Value
		declared TypeInfo
		version  byte
		expected []byte
	}{
		{"int", Int(42), NativeType(TypeInt), ProtoVersion2, []byte{0, 0, 0, 42}},
		{"short as int", Short(-1), NativeType(TypeInt), ProtoVersion2, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		{"bigint", Bigint(1), NativeType(TypeBigint), ProtoVersion2, []byte{0, 0, 0, 0, 0, 0, 0, 1}},
		{"varint 128", VarintInt64(128), NativeType(TypeVarint), ProtoVersion2, []byte{0x00, 0x80}},
		{"varint -1", VarintInt64(-1), NativeType(TypeVarint), ProtoVersion2, []byte{0xFF}},
		{"varint -129", VarintInt64(-129), NativeType(TypeVarint), ProtoVersion2, []byte{0xFF, 0x7F}},
		{"decimal", Decimal(2, []byte{0x01}), NativeType(TypeDecimal), ProtoVersion2, []byte{0, 0, 0, 2, 1}},
		{"text into varchar", Text("ab"), NativeType(TypeVarchar), ProtoVersion2, []byte("ab")},
		{
			"list v2 uses short lengths",
			List(NativeType(TypeInt), Int(7)),
			ListOf(NativeType(TypeInt)),
			ProtoVersion2,
			[]byte{0, 1, 0, 4, 0, 0, 0, 7},
		},
		{
			"list v3 uses int lengths",
			List(NativeType(TypeInt), Int(7)),
			ListOf(NativeType(TypeInt)),
			ProtoVersion3,
			[]byte{0, 0, 0, 1, 0, 0, 0, 4, 0, 0, 0, 7},
		},
		{
			"map alternates key and value",
			Map(NativeType(TypeText), NativeType(TypeBoolean), Pair{Text("a"), Boolean(true)}),
			MapOf(NativeType(TypeText), NativeType(TypeBoolean)),
			ProtoVersion2,
			[]byte{0, 1, 0, 1, 'a', 0, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.value, tt.declared, tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, b)
		})
	}
}

func TestEncodeTypeMismatch(t *testing.T) {
	tests := []struct {
		name     string
		value    Value
		declared TypeInfo
	}{
		{"text into int", Text("x"), NativeType(TypeInt)},
		{"int into bigint", Int(1), NativeType(TypeBigint)},
		{"short into bigint", Short(1), NativeType(TypeBigint)},
		{"list element", List(NativeType(TypeText), Text("a")), ListOf(NativeType(TypeInt))},
		{"map key", Map(NativeType(TypeInt), NativeType(TypeInt)), MapOf(NativeType(TypeText), NativeType(TypeInt))},
		{"uuid into blob", UUIDValue(uuid.New()), NativeType(TypeBlob)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.value, tt.declared, ProtoVersion2)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTypeMismatch)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		declared TypeInfo
	}{
		{"short int", []byte{0, 1}, NativeType(TypeInt)},
		{"long int", []byte{0, 0, 0, 0, 1}, NativeType(TypeInt)},
		{"short bigint", []byte{0, 1, 2}, NativeType(TypeBigint)},
		{"short uuid", make([]byte, 15), NativeType(TypeUUID)},
		{"bad inet", []byte{1, 2, 3}, NativeType(TypeInet)},
		{"decimal without scale", []byte{0, 1}, NativeType(TypeDecimal)},
		{"list count beyond data", []byte{0, 9, 0, 1}, ListOf(NativeType(TypeInt))},
		{"list element beyond data", []byte{0, 1, 0, 8, 0, 0, 0, 1}, ListOf(NativeType(TypeInt))},
		{"map missing value", []byte{0, 1, 0, 1, 'a'}, MapOf(NativeType(TypeText), NativeType(TypeText))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, tt.declared, ProtoVersion2)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, TypeInfo{Tag: TypeTag(0x0042)}, ProtoVersion2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)

	r := NewReader([]byte{0x00, 0x42})
	_, err = r.ReadTypeInfo()
	assert.ErrorIs(t, err, ErrUnknownType)

	// list<unknown>
	r = NewReader([]byte{0x00, 0x20, 0x12, 0x34})
	_, err = r.ReadTypeInfo()
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestReadTypeInfoDepthLimit(t *testing.T) {
	nested := func(depth int) []byte {
		w := NewWriter(nil)
		for i := 0; i < depth; i++ {
			w.PutShort(uint16(TypeList))
		}
		w.PutShort(uint16(TypeInt))
		return w.Bytes()
	}

	typ, err := NewReader(nested(MaxTypeDepth)).ReadTypeInfo()
	require.NoError(t, err)
	assert.Equal(t, TypeList, typ.Tag)

	_, err = NewReader(nested(MaxTypeDepth + 1)).ReadTypeInfo()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// A hostile metadata body must fail fast instead of exhausting the stack.
	_, err = NewReader(nested(1 << 20)).ReadTypeInfo()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeDepthLimit(t *testing.T) {
	typ := NativeType(TypeInt)
	for i := 0; i < MaxTypeDepth+1; i++ {
		typ = ListOf(typ)
	}
	// An empty outer list never reaches the nested element type.
	_, err := Decode([]byte{0, 0}, typ, ProtoVersion2)
	require.NoError(t, err)

	// Each level holds one element wrapping the next.
	raw := []byte{0, 0, 0, 7}
	for i := 0; i < MaxTypeDepth+1; i++ {
		w := NewWriter([]byte{0, 1})
		w.PutShortBytes(raw)
		raw = w.Bytes()
	}
	_, err = Decode(raw, typ, ProtoVersion2)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCopyIntoTruncates(t *testing.T) {
	v, err := Decode([]byte("0123456789"), NativeType(TypeText), ProtoVersion2)
	require.NoError(t, err)

	buf := make([]byte, 4)
	total := CopyInto(buf, v.Bytes)
	assert.Equal(t, 10, total)
	assert.Equal(t, []byte("0123"), buf)

	large := make([]byte, 16)
	total = CopyInto(large, v.Bytes)
	assert.Equal(t, 10, total)
	assert.Equal(t, []byte("0123456789"), large[:total])
}

func TestVarintBig(t *testing.T) {
	for _, s := range []string{"0", "1", "-1", "127", "128", "-128", "-129", "255", "256", "-32769", "123456789012345678901234567890", "-123456789012345678901234567890"} {
		t.Run(s, func(t *testing.T) {
			n, ok := new(big.Int).SetString(s, 10)
			require.True(t, ok)
			assert.Equal(t, 0, n.Cmp(VarintToBig(VarintFromBig(n))))
		})
	}
}

func TestNullCollectionElementRequiresV3(t *testing.T) {
	v := List(NativeType(TypeInt), Null(NativeType(TypeInt)))
	_, err := Encode(v, v.Type, ProtoVersion2)
	assert.ErrorIs(t, err, ErrUnsupported)

	b, err := Encode(v, v.Type, ProtoVersion3)
	require.NoError(t, err)
	got, err := Decode(b, v.Type, ProtoVersion3)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestTimestampValue(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10_000_000, time.UTC)
	v := Timestamp(ts)
	assert.True(t, ts.Equal(v.Time()))
}
