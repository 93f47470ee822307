package mapper

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dan-strohschein/cql-driver/client"
	"github.com/dan-strohschein/cql-driver/protocol"
)

// DefaultTag is the struct tag ScanStruct reads column names from.
const DefaultTag = "cql"

// ResponseMapper converts decoded result values into plain Go values.
type ResponseMapper struct {
	tag string
}

// NewResponseMapper creates a mapper reading the "cql" struct tag.
func NewResponseMapper() *ResponseMapper {
	return &ResponseMapper{tag: DefaultTag}
}

// WithTag returns a copy of the mapper reading tag instead.
func (m *ResponseMapper) WithTag(tag string) *ResponseMapper {
	return &ResponseMapper{tag: tag}
}

// Native returns the Go form of v: int32 or int64 for integers,
// float32 or float64, bool, time.Time, uuid.UUID, string, []byte,
// *big.Int for varint, *big.Float for decimal, net.IP, []interface{} for
// lists and sets and map[interface{}]interface{} for maps. Null is nil.
func (m *ResponseMapper) Native(v protocol.Value) interface{} {
	if v.Null {
		return nil
	}
	switch v.Type.Tag {
	case protocol.TypeInt:
		return int32(v.Int)
	case protocol.TypeBigint, protocol.TypeCounter:
		return v.Int
	case protocol.TypeFloat:
		return float32(v.Float)
	case protocol.TypeDouble:
		return v.Float
	case protocol.TypeBoolean:
		return v.Bool
	case protocol.TypeTimestamp:
		return v.Time()
	case protocol.TypeUUID, protocol.TypeTimeUUID:
		return v.UUID
	case protocol.TypeASCII, protocol.TypeText, protocol.TypeVarchar:
		return v.Str()
	case protocol.TypeVarint:
		return v.BigInt()
	case protocol.TypeDecimal:
		return decimal(v)
	case protocol.TypeInet:
		return v.IP()
	case protocol.TypeList, protocol.TypeSet:
		out := make([]interface{}, len(v.Elems))
		for i, e := range v.Elems {
			out[i] = m.Native(e)
		}
		return out
	case protocol.TypeMap:
		out := make(map[interface{}]interface{}, len(v.Pairs))
		for _, p := range v.Pairs {
			out[hashable(m.Native(p.Key))] = m.Native(p.Value)
		}
		return out
	default:
		return v.Bytes
	}
}

// hashable replaces map keys Go cannot hash with their string form.
func hashable(k interface{}) interface{} {
	switch kv := k.(type) {
	case []byte:
		return string(kv)
	case net.IP:
		return kv.String()
	case *big.Int:
		return kv.String()
	case *big.Float:
		return kv.Text('g', -1)
	case []interface{}, map[interface{}]interface{}:
		return fmt.Sprint(kv)
	}
	return k
}

func decimal(v protocol.Value) *big.Float {
	f := new(big.Float).SetInt(v.BigInt())
	if v.Scale == 0 {
		return f
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(v.Scale))), nil))
	if v.Scale > 0 {
		return f.Quo(f, scale)
	}
	return f.Mul(f, scale)
}

func abs(n int32) int32 {
	if n < 0 {
		return -n
	}
	return n
}

// Format renders v the way cqlsh prints it.
func (m *ResponseMapper) Format(v protocol.Value) string {
	if v.Null {
		return "null"
	}
	switch v.Type.Tag {
	case protocol.TypeInt, protocol.TypeBigint, protocol.TypeCounter:
		return strconv.FormatInt(v.Int, 10)
	case protocol.TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 32)
	case protocol.TypeDouble:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case protocol.TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case protocol.TypeTimestamp:
		return v.Time().Format(time.RFC3339Nano)
	case protocol.TypeUUID, protocol.TypeTimeUUID:
		return v.UUID.String()
	case protocol.TypeASCII, protocol.TypeText, protocol.TypeVarchar:
		return v.Str()
	case protocol.TypeVarint:
		return v.BigInt().String()
	case protocol.TypeDecimal:
		return decimal(v).Text('f', -1)
	case protocol.TypeInet:
		return v.IP().String()
	case protocol.TypeList, protocol.TypeSet:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = m.Format(e)
		}
		if v.Type.Tag == protocol.TypeSet {
			return "{" + strings.Join(parts, ", ") + "}"
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case protocol.TypeMap:
		parts := make([]string, len(v.Pairs))
		for i, p := range v.Pairs {
			parts[i] = m.Format(p.Key) + ": " + m.Format(p.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "0x" + hex.EncodeToString(v.Bytes)
	}
}

// FormatColumn decodes and renders col. Decode failures are rendered
// inline.
func (m *ResponseMapper) FormatColumn(col client.Column) string {
	if col.IsNull() {
		return "null"
	}
	v, err := col.Value()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return m.Format(v)
}

// ToString converts a value to a string. Null converts to "".
func (m *ResponseMapper) ToString(v protocol.Value) string {
	if v.Null {
		return ""
	}
	return m.Format(v)
}

// ToInt converts a value to an integer.
func (m *ResponseMapper) ToInt(v protocol.Value) (int64, error) {
	if v.Null {
		return 0, fmt.Errorf("cannot convert null %s to int", v.Type)
	}

	switch v.Type.Tag {
	case protocol.TypeInt, protocol.TypeBigint, protocol.TypeCounter, protocol.TypeTimestamp:
		return v.Int, nil
	case protocol.TypeFloat, protocol.TypeDouble:
		return int64(v.Float), nil
	case protocol.TypeVarint:
		n := v.BigInt()
		if !n.IsInt64() {
			return 0, fmt.Errorf("varint %s overflows int64", n)
		}
		return n.Int64(), nil
	case protocol.TypeASCII, protocol.TypeText, protocol.TypeVarchar:
		i, err := strconv.ParseInt(v.Str(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert '%s' to int: %w", v.Str(), err)
		}
		return i, nil
	case protocol.TypeBoolean:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %s to int", v.Type)
	}
}

// ToFloat converts a value to a float.
func (m *ResponseMapper) ToFloat(v protocol.Value) (float64, error) {
	if v.Null {
		return 0, fmt.Errorf("cannot convert null %s to float", v.Type)
	}

	switch v.Type.Tag {
	case protocol.TypeFloat, protocol.TypeDouble:
		return v.Float, nil
	case protocol.TypeInt, protocol.TypeBigint, protocol.TypeCounter:
		return float64(v.Int), nil
	case protocol.TypeDecimal:
		f, _ := decimal(v).Float64()
		return f, nil
	case protocol.TypeVarint:
		f, _ := new(big.Float).SetInt(v.BigInt()).Float64()
		return f, nil
	case protocol.TypeASCII, protocol.TypeText, protocol.TypeVarchar:
		f, err := strconv.ParseFloat(v.Str(), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert '%s' to float: %w", v.Str(), err)
		}
		return f, nil
	case protocol.TypeBoolean:
		if v.Bool {
			return 1.0, nil
		}
		return 0.0, nil
	default:
		return 0, fmt.Errorf("cannot convert %s to float", v.Type)
	}
}

// ToBool converts a value to a boolean. Null converts to false.
func (m *ResponseMapper) ToBool(v protocol.Value) (bool, error) {
	if v.Null {
		return false, nil
	}

	switch v.Type.Tag {
	case protocol.TypeBoolean:
		return v.Bool, nil
	case protocol.TypeInt, protocol.TypeBigint, protocol.TypeCounter:
		return v.Int != 0, nil
	case protocol.TypeFloat, protocol.TypeDouble:
		return v.Float != 0, nil
	case protocol.TypeASCII, protocol.TypeText, protocol.TypeVarchar:
		switch strings.ToLower(v.Str()) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off", "":
			return false, nil
		default:
			return false, fmt.Errorf("cannot convert '%s' to boolean", v.Str())
		}
	default:
		return false, fmt.Errorf("cannot convert %s to boolean", v.Type)
	}
}

// ToDateTime converts a value to a time.Time. Integers are taken as
// milliseconds since the epoch and timeuuids yield their embedded time.
func (m *ResponseMapper) ToDateTime(v protocol.Value) (time.Time, error) {
	if v.Null {
		return time.Time{}, fmt.Errorf("cannot convert null %s to datetime", v.Type)
	}

	switch v.Type.Tag {
	case protocol.TypeTimestamp, protocol.TypeInt, protocol.TypeBigint:
		return time.UnixMilli(v.Int).UTC(), nil
	case protocol.TypeTimeUUID:
		return protocol.UUIDTime(v.UUID), nil
	case protocol.TypeASCII, protocol.TypeText, protocol.TypeVarchar:
		formats := []string{
			time.RFC3339Nano,
			"2006-01-02 15:04:05.000-0700",
			"2006-01-02 15:04:05",
			"2006-01-02",
		}
		for _, format := range formats {
			if t, err := time.Parse(format, v.Str()); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse '%s' as datetime", v.Str())
	default:
		return time.Time{}, fmt.Errorf("cannot convert %s to datetime", v.Type)
	}
}

// MapRow returns the row as column name to Native value.
func (m *ResponseMapper) MapRow(row *client.Row) (map[string]interface{}, error) {
	out := make(map[string]interface{}, row.Len())
	for i := 0; i < row.Len(); i++ {
		name, err := row.ColumnName(i)
		if err != nil {
			return nil, err
		}
		col, err := row.Column(i)
		if err != nil {
			return nil, err
		}
		v, err := col.Value()
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", name)
		}
		out[name] = m.Native(v)
	}
	return out, nil
}

// ScanStruct copies the row into the struct dst points to. Fields are
// matched by tag, then by case-insensitive field name; columns without a
// field are skipped and a tag of "-" excludes a field. Null leaves the
// field at its zero value.
func (m *ResponseMapper) ScanStruct(row *client.Row, dst interface{}) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("scan destination must be a non-nil struct pointer, got %T", dst)
	}
	target := rv.Elem()
	fields := m.fieldIndex(target.Type())

	for i := 0; i < row.Len(); i++ {
		name, err := row.ColumnName(i)
		if err != nil {
			return err
		}
		idx, ok := fields[strings.ToLower(name)]
		if !ok {
			continue
		}
		col, err := row.Column(i)
		if err != nil {
			return err
		}
		v, err := col.Value()
		if err != nil {
			return errors.Wrapf(err, "column %q", name)
		}
		field := target.Field(idx)
		if v.Null {
			field.Set(reflect.Zero(field.Type()))
			continue
		}
		if err := m.assign(field, v); err != nil {
			return errors.Wrapf(err, "column %q into field %s", name, target.Type().Field(idx).Name)
		}
	}
	return nil
}

func (m *ResponseMapper) fieldIndex(t reflect.Type) map[string]int {
	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup(m.tag); ok {
			tag = strings.Split(tag, ",")[0]
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		fields[strings.ToLower(name)] = i
	}
	return fields
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
	ipType   = reflect.TypeOf(net.IP{})
	bigType  = reflect.TypeOf((*big.Int)(nil))
)

func (m *ResponseMapper) assign(field reflect.Value, v protocol.Value) error {
	switch field.Type() {
	case timeType:
		t, err := m.ToDateTime(v)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(t))
		return nil
	case uuidType:
		if v.Type.Tag != protocol.TypeUUID && v.Type.Tag != protocol.TypeTimeUUID {
			return fmt.Errorf("cannot convert %s to uuid", v.Type)
		}
		field.Set(reflect.ValueOf(v.UUID))
		return nil
	case ipType:
		if v.Type.Tag != protocol.TypeInet {
			return fmt.Errorf("cannot convert %s to inet", v.Type)
		}
		field.Set(reflect.ValueOf(v.IP()))
		return nil
	case bigType:
		if v.Type.Tag != protocol.TypeVarint {
			return fmt.Errorf("cannot convert %s to varint", v.Type)
		}
		field.Set(reflect.ValueOf(v.BigInt()))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(m.ToString(v))
	case reflect.Bool:
		b, err := m.ToBool(v)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := m.ToInt(v)
		if err != nil {
			return err
		}
		if field.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %s", n, field.Type())
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := m.ToFloat(v)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.Uint8 && v.Type.Tag == protocol.TypeBlob {
			field.SetBytes(append([]byte(nil), v.Bytes...))
			return nil
		}
		if v.Type.Tag != protocol.TypeList && v.Type.Tag != protocol.TypeSet {
			return fmt.Errorf("cannot convert %s to %s", v.Type, field.Type())
		}
		out := reflect.MakeSlice(field.Type(), len(v.Elems), len(v.Elems))
		for i, e := range v.Elems {
			if e.Null {
				continue
			}
			if err := m.assign(out.Index(i), e); err != nil {
				return errors.Wrapf(err, "element %d", i)
			}
		}
		field.Set(out)
	case reflect.Map:
		if v.Type.Tag != protocol.TypeMap {
			return fmt.Errorf("cannot convert %s to %s", v.Type, field.Type())
		}
		out := reflect.MakeMapWithSize(field.Type(), len(v.Pairs))
		for _, p := range v.Pairs {
			key := reflect.New(field.Type().Key()).Elem()
			if err := m.assign(key, p.Key); err != nil {
				return errors.Wrap(err, "map key")
			}
			val := reflect.New(field.Type().Elem()).Elem()
			if !p.Value.Null {
				if err := m.assign(val, p.Value); err != nil {
					return errors.Wrap(err, "map value")
				}
			}
			out.SetMapIndex(key, val)
		}
		field.Set(out)
	case reflect.Interface:
		n := reflect.ValueOf(m.Native(v))
		if !n.Type().AssignableTo(field.Type()) {
			return fmt.Errorf("cannot convert %s to %s", v.Type, field.Type())
		}
		field.Set(n)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
