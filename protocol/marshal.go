package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes v as a value of the declared type. The returned bytes
// exclude the [bytes] length prefix; a nil slice means null.
func Encode(v Value, declared TypeInfo, version byte) ([]byte, error) {
	if declared.Tag == typeShort {
		declared = NativeType(TypeInt)
	}
	if !Compatible(declared, v.Type) {
		return nil, TypeMismatchError(declared, v.Type)
	}
	if v.Null {
		return nil, nil
	}

	switch declared.Tag {
	case TypeInt:
		if v.Int < math.MinInt32 || v.Int > math.MaxInt32 {
			return nil, NewError(KindTypeMismatch, fmt.Sprintf("value %d overflows int", v.Int), nil)
		}
		return binary.BigEndian.AppendUint32(make([]byte, 0, 4), uint32(int32(v.Int))), nil
	case TypeBigint, TypeCounter, TypeTimestamp:
		return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(v.Int)), nil
	case TypeBoolean:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeFloat:
		return binary.BigEndian.AppendUint32(make([]byte, 0, 4), math.Float32bits(float32(v.Float))), nil
	case TypeDouble:
		return binary.BigEndian.AppendUint64(make([]byte, 0, 8), math.Float64bits(v.Float)), nil
	case TypeASCII, TypeText, TypeVarchar, TypeBlob, TypeCustom:
		return append([]byte{}, v.Bytes...), nil
	case TypeUUID, TypeTimeUUID:
		return append([]byte{}, v.UUID[:]...), nil
	case TypeVarint:
		return minimalVarint(v.Bytes), nil
	case TypeDecimal:
		b := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(v.Bytes)), uint32(v.Scale))
		return append(b, minimalVarint(v.Bytes)...), nil
	case TypeInet:
		if len(v.Bytes) != 4 && len(v.Bytes) != 16 {
			return nil, NewError(KindTypeMismatch, fmt.Sprintf("invalid inet address length %d", len(v.Bytes)), nil)
		}
		return append([]byte{}, v.Bytes...), nil
	case TypeList, TypeSet:
		if declared.Elem == nil {
			return nil, NewError(KindUnknownType, "collection without element type", nil)
		}
		return encodeList(v, *declared.Elem, version)
	case TypeMap:
		if declared.Key == nil || declared.Elem == nil {
			return nil, NewError(KindUnknownType, "map without key or value type", nil)
		}
		return encodeMap(v, *declared.Key, *declared.Elem, version)
	default:
		return nil, NewError(KindUnknownType, fmt.Sprintf("cannot encode type %s", declared), nil)
	}
}

func putElement(w *Writer, b []byte, version byte) error {
	if b == nil {
		if version < ProtoVersion3 {
			return NewError(KindUnsupported, "null collection elements require protocol v3", nil)
		}
		w.PutInt(-1)
		return nil
	}
	if err := w.putCollectionLen(version, len(b)); err != nil {
		return err
	}
	w.buf = append(w.buf, b...)
	return nil
}

func encodeList(v Value, elem TypeInfo, version byte) ([]byte, error) {
	w := NewWriter(make([]byte, 0, 64))
	if err := w.putCollectionLen(version, len(v.Elems)); err != nil {
		return nil, err
	}
	for _, e := range v.Elems {
		b, err := Encode(e, elem, version)
		if err != nil {
			return nil, err
		}
		if err := putElement(w, b, version); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func encodeMap(v Value, key, value TypeInfo, version byte) ([]byte, error) {
	w := NewWriter(make([]byte, 0, 64))
	if err := w.putCollectionLen(version, len(v.Pairs)); err != nil {
		return nil, err
	}
	for _, p := range v.Pairs {
		kb, err := Encode(p.Key, key, version)
		if err != nil {
			return nil, err
		}
		if err := putElement(w, kb, version); err != nil {
			return nil, err
		}
		vb, err := Encode(p.Value, value, version)
		if err != nil {
			return nil, err
		}
		if err := putElement(w, vb, version); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// Decode deserializes b as a value of the declared type. A nil slice decodes
// to null. Decode never reads beyond len(b).
func Decode(b []byte, declared TypeInfo, version byte) (Value, error) {
	return decode(b, declared, version, 0)
}

func decode(b []byte, declared TypeInfo, version byte, depth int) (Value, error) {
	if depth > MaxTypeDepth {
		return Value{}, malformed("value nests deeper than %d", MaxTypeDepth)
	}
	if b == nil {
		return Null(declared), nil
	}
	v := Value{Type: declared}

	switch declared.Tag {
	case TypeInt:
		if len(b) != 4 {
			return Value{}, malformed("int needs 4 bytes, have %d", len(b))
		}
		v.Int = int64(int32(binary.BigEndian.Uint32(b)))
	case TypeBigint, TypeCounter, TypeTimestamp:
		if len(b) != 8 {
			return Value{}, malformed("%s needs 8 bytes, have %d", declared.Tag, len(b))
		}
		v.Int = int64(binary.BigEndian.Uint64(b))
	case TypeBoolean:
		if len(b) != 1 {
			return Value{}, malformed("boolean needs 1 byte, have %d", len(b))
		}
		v.Bool = b[0] != 0
	case TypeFloat:
		if len(b) != 4 {
			return Value{}, malformed("float needs 4 bytes, have %d", len(b))
		}
		v.Float = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case TypeDouble:
		if len(b) != 8 {
			return Value{}, malformed("double needs 8 bytes, have %d", len(b))
		}
		v.Float = math.Float64frombits(binary.BigEndian.Uint64(b))
	case TypeASCII, TypeText, TypeVarchar, TypeBlob, TypeCustom:
		v.Bytes = append([]byte{}, b...)
	case TypeUUID, TypeTimeUUID:
		if len(b) != 16 {
			return Value{}, malformed("uuid needs 16 bytes, have %d", len(b))
		}
		copy(v.UUID[:], b)
	case TypeVarint:
		v.Bytes = minimalVarint(b)
	case TypeDecimal:
		if len(b) < 4 {
			return Value{}, malformed("decimal needs at least 4 bytes, have %d", len(b))
		}
		v.Scale = int32(binary.BigEndian.Uint32(b))
		v.Bytes = minimalVarint(b[4:])
	case TypeInet:
		if len(b) != 4 && len(b) != 16 {
			return Value{}, malformed("invalid inet address length %d", len(b))
		}
		v.Bytes = append([]byte{}, b...)
	case TypeList, TypeSet:
		if declared.Elem == nil {
			return Value{}, NewError(KindUnknownType, "collection without element type", nil)
		}
		elems, err := decodeElements(b, version, depth+1, 1, []TypeInfo{*declared.Elem})
		if err != nil {
			return Value{}, err
		}
		v.Elems = elems
	case TypeMap:
		if declared.Key == nil || declared.Elem == nil {
			return Value{}, NewError(KindUnknownType, "map without key or value type", nil)
		}
		flat, err := decodeElements(b, version, depth+1, 2, []TypeInfo{*declared.Key, *declared.Elem})
		if err != nil {
			return Value{}, err
		}
		v.Pairs = make([]Pair, 0, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			v.Pairs = append(v.Pairs, Pair{Key: flat[i], Value: flat[i+1]})
		}
	default:
		return Value{}, NewError(KindUnknownType, fmt.Sprintf("cannot decode type %s", declared), nil)
	}
	return v, nil
}

// decodeElements reads a collection of count entries, each entry made of
// width length-prefixed elements typed by types.
func decodeElements(b []byte, version byte, depth, width int, types []TypeInfo) ([]Value, error) {
	r := NewReader(b)
	n, err := r.readCollectionLen(version)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, malformed("negative collection count %d", n)
	}
	// Every element carries at least its length prefix.
	if n*width > r.Remaining() {
		return nil, malformed("collection declares %d entries in %d bytes", n, r.Remaining())
	}
	out := make([]Value, 0, n*width)
	for i := 0; i < n; i++ {
		for j := 0; j < width; j++ {
			raw, err := readElement(r, version)
			if err != nil {
				return nil, err
			}
			e, err := decode(raw, types[j], version, depth)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// CollectionElements splits a serialized collection into its raw elements
// without decoding them. Maps yield keys and values alternately.
func CollectionElements(b []byte, version byte, width int) ([][]byte, error) {
	r := NewReader(b)
	n, err := r.readCollectionLen(version)
	if err != nil {
		return nil, err
	}
	if n < 0 || n*width > r.Remaining() {
		return nil, malformed("collection declares %d entries in %d bytes", n, r.Remaining())
	}
	out := make([][]byte, 0, n*width)
	for i := 0; i < n*width; i++ {
		raw, err := readElement(r, version)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func readElement(r *Reader, version byte) ([]byte, error) {
	if version >= ProtoVersion3 {
		return r.ReadBytes()
	}
	return r.ReadShortBytes()
}
