package client

import (
	"math"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// ResultKind identifies what a RESULT response carried.
type ResultKind int32

const (
	ResultVoid         = ResultKind(protocol.ResultKindVoid)
	ResultRows         = ResultKind(protocol.ResultKindRows)
	ResultSetKeyspace  = ResultKind(protocol.ResultKindSetKeyspace)
	ResultPrepared     = ResultKind(protocol.ResultKindPrepared)
	ResultSchemaChange = ResultKind(protocol.ResultKindSchemaChange)
)

func (k ResultKind) String() string {
	switch k {
	case ResultVoid:
		return "void"
	case ResultRows:
		return "rows"
	case ResultSetKeyspace:
		return "set_keyspace"
	case ResultPrepared:
		return "prepared"
	case ResultSchemaChange:
		return "schema_change"
	default:
		return "unknown"
	}
}

// Result is an immutable view over a decoded RESULT response. Rows are
// sliced from the response bytes on demand.
type Result struct {
	kind     ResultKind
	version  byte
	meta     protocol.ResultMetadata
	rowCount int
	data     []byte
	keyspace string
	schema   *protocol.SchemaChange
}

// newResult converts a RESULT message. columns supplies the metadata of a
// prepared statement executed with SkipMetadata.
func newResult(msg protocol.Message, version byte, columns []protocol.ColumnSpec) (*Result, error) {
	res := &Result{version: version}
	switch m := msg.(type) {
	case *protocol.VoidResult:
		res.kind = ResultVoid
	case *protocol.RowsResult:
		res.kind = ResultRows
		res.meta = m.Metadata
		res.rowCount = m.RowCount
		res.data = m.Data
		if len(res.meta.Columns) == 0 && res.meta.ColumnCount > 0 {
			if len(columns) != res.meta.ColumnCount {
				return nil, protocol.NewError(protocol.KindProtocolViolation, "rows result without column metadata", map[string]interface{}{
					"columns": res.meta.ColumnCount,
				})
			}
			res.meta.Columns = columns
		}
	case *protocol.SetKeyspaceResult:
		res.kind = ResultSetKeyspace
		res.keyspace = m.Keyspace
	case *protocol.PreparedResult:
		res.kind = ResultPrepared
		res.meta = m.Result
	case *protocol.SchemaChangeResult:
		res.kind = ResultSchemaChange
		sc := m.SchemaChange
		res.schema = &sc
		res.keyspace = sc.Keyspace
	default:
		return nil, unexpectedResponse(protocol.OpResult, msg)
	}
	return res, nil
}

func (r *Result) Kind() ResultKind { return r.kind }

// RowCount returns the number of rows in this page.
func (r *Result) RowCount() int { return r.rowCount }

func (r *Result) ColumnCount() int { return r.meta.ColumnCount }

// ColumnName returns the name of column i.
func (r *Result) ColumnName(i int) (string, error) {
	if err := r.checkColumn(i); err != nil {
		return "", err
	}
	return r.meta.Columns[i].Name, nil
}

// ColumnType returns the type of column i.
func (r *Result) ColumnType(i int) (protocol.TypeInfo, error) {
	if err := r.checkColumn(i); err != nil {
		return protocol.TypeInfo{}, err
	}
	return r.meta.Columns[i].Type, nil
}

// ColumnIndex returns the position of the named column, or -1.
func (r *Result) ColumnIndex(name string) int {
	for i, c := range r.meta.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (r *Result) checkColumn(i int) error {
	if i < 0 || i >= len(r.meta.Columns) {
		return protocol.NewError(protocol.KindIndexOutOfRange, "column index out of range", map[string]interface{}{
			"index":   i,
			"columns": len(r.meta.Columns),
		})
	}
	return nil
}

// Keyspace returns the keyspace of a set_keyspace or schema_change result.
func (r *Result) Keyspace() string { return r.keyspace }

// SchemaChange returns the change described by a schema_change result.
func (r *Result) SchemaChange() (protocol.SchemaChange, bool) {
	if r.schema == nil {
		return protocol.SchemaChange{}, false
	}
	return *r.schema, true
}

// PagingState returns the state to resume the query after this page.
func (r *Result) PagingState() []byte { return r.meta.PagingState }

func (r *Result) HasMorePages() bool { return r.meta.HasMorePages() }

// Rows returns an iterator over the rows of the page.
func (r *Result) Rows() *RowIterator {
	return &RowIterator{
		result:    r,
		reader:    protocol.NewReader(r.data),
		remaining: r.rowCount,
	}
}

// First returns the first row, or false when the result has none.
func (r *Result) First() (*Row, bool, error) {
	it := r.Rows()
	if !it.Next() {
		return nil, false, it.Err()
	}
	return it.Row(), true, nil
}

// RowIterator walks the rows of a Result.
type RowIterator struct {
	result    *Result
	reader    *protocol.Reader
	remaining int
	row       *Row
	err       error
}

// Next advances to the next row. It returns false at the end of the page or
// on a malformed row; Err distinguishes the two.
func (it *RowIterator) Next() bool {
	if it.err != nil || it.remaining == 0 {
		it.row = nil
		return false
	}
	cells, err := protocol.ReadRow(it.reader, it.result.meta.ColumnCount, nil)
	if err != nil {
		it.err = err
		it.row = nil
		return false
	}
	it.remaining--
	it.row = &Row{result: it.result, cells: cells}
	return true
}

// Row returns the current row. The row stays valid after Next.
func (it *RowIterator) Row() *Row { return it.row }

// Err returns the error that stopped iteration, if any.
func (it *RowIterator) Err() error { return it.err }

// Row is one row of a Result.
type Row struct {
	result *Result
	cells  [][]byte
}

// Len returns the number of columns.
func (r *Row) Len() int { return len(r.cells) }

// Column returns column i of the row.
func (r *Row) Column(i int) (Column, error) {
	if i < 0 || i >= len(r.cells) {
		return Column{}, protocol.NewError(protocol.KindIndexOutOfRange, "column index out of range", map[string]interface{}{
			"index":   i,
			"columns": len(r.cells),
		})
	}
	return Column{raw: r.cells[i], typ: r.result.meta.Columns[i].Type, version: r.result.version}, nil
}

// ColumnName returns the name of column i.
func (r *Row) ColumnName(i int) (string, error) { return r.result.ColumnName(i) }

// ColumnByName returns the named column of the row.
func (r *Row) ColumnByName(name string) (Column, error) {
	i := r.result.ColumnIndex(name)
	if i < 0 {
		return Column{}, protocol.NewError(protocol.KindIndexOutOfRange, "no such column", map[string]interface{}{"column": name})
	}
	return r.Column(i)
}

// Column is a single serialized value plus its declared type. Decoding
// happens in the accessor. A null column decodes to the zero value; use
// IsNull to tell the two apart.
type Column struct {
	raw     []byte
	typ     protocol.TypeInfo
	version byte
}

func (c Column) Type() protocol.TypeInfo { return c.typ }

func (c Column) IsNull() bool { return c.raw == nil }

// Raw returns the serialized bytes of the value.
func (c Column) Raw() []byte { return c.raw }

// Value decodes the column into a protocol.Value.
func (c Column) Value() (protocol.Value, error) {
	return protocol.Decode(c.raw, c.typ, c.version)
}

func (c Column) expect(tags ...protocol.TypeTag) error {
	for _, t := range tags {
		if c.typ.Tag == t {
			return nil
		}
	}
	return protocol.TypeMismatchError(protocol.NativeType(tags[0]), c.typ)
}

func (c Column) decode(tags ...protocol.TypeTag) (protocol.Value, error) {
	if err := c.expect(tags...); err != nil {
		return protocol.Value{}, err
	}
	return protocol.Decode(c.raw, c.typ, c.version)
}

// Short decodes an int column that fits in 16 bits.
func (c Column) Short() (int16, error) {
	v, err := c.decode(protocol.TypeInt)
	if err != nil {
		return 0, err
	}
	if v.Int < math.MinInt16 || v.Int > math.MaxInt16 {
		return 0, protocol.NewError(protocol.KindTypeMismatch, "int value does not fit in a short", map[string]interface{}{"value": v.Int})
	}
	return int16(v.Int), nil
}

func (c Column) Int() (int32, error) {
	v, err := c.decode(protocol.TypeInt)
	return int32(v.Int), err
}

func (c Column) Bigint() (int64, error) {
	v, err := c.decode(protocol.TypeBigint, protocol.TypeCounter)
	return v.Int, err
}

func (c Column) Counter() (int64, error) {
	v, err := c.decode(protocol.TypeCounter, protocol.TypeBigint)
	return v.Int, err
}

func (c Column) Float() (float32, error) {
	v, err := c.decode(protocol.TypeFloat)
	return float32(v.Float), err
}

func (c Column) Double() (float64, error) {
	v, err := c.decode(protocol.TypeDouble)
	return v.Float, err
}

func (c Column) Bool() (bool, error) {
	v, err := c.decode(protocol.TypeBoolean)
	return v.Bool, err
}

// Time decodes a timestamp column in UTC.
func (c Column) Time() (time.Time, error) {
	v, err := c.decode(protocol.TypeTimestamp)
	if err != nil || v.Null {
		return time.Time{}, err
	}
	return v.Time(), nil
}

// TimeMillis decodes a timestamp column as milliseconds since the epoch.
func (c Column) TimeMillis() (int64, error) {
	v, err := c.decode(protocol.TypeTimestamp)
	return v.Int, err
}

func (c Column) UUID() (uuid.UUID, error) {
	v, err := c.decode(protocol.TypeUUID, protocol.TypeTimeUUID)
	return v.UUID, err
}

func (c Column) String() (string, error) {
	v, err := c.decode(protocol.TypeVarchar, protocol.TypeText, protocol.TypeASCII)
	return v.Str(), err
}

// CopyString copies the string into buf and returns its full length.
func (c Column) CopyString(buf []byte) (int, error) {
	if err := c.expect(protocol.TypeVarchar, protocol.TypeText, protocol.TypeASCII); err != nil {
		return 0, err
	}
	return protocol.CopyInto(buf, c.raw), nil
}

// Blob returns the raw bytes of a blob, custom or text column.
func (c Column) Blob() ([]byte, error) {
	if err := c.expect(protocol.TypeBlob, protocol.TypeCustom, protocol.TypeVarchar, protocol.TypeText, protocol.TypeASCII); err != nil {
		return nil, err
	}
	if c.raw == nil {
		return nil, nil
	}
	return append([]byte{}, c.raw...), nil
}

// CopyBlob copies the bytes into buf and returns their full length.
func (c Column) CopyBlob(buf []byte) (int, error) {
	if err := c.expect(protocol.TypeBlob, protocol.TypeCustom, protocol.TypeVarchar, protocol.TypeText, protocol.TypeASCII); err != nil {
		return 0, err
	}
	return protocol.CopyInto(buf, c.raw), nil
}

// Decimal returns the scale and the two's complement big-endian magnitude.
func (c Column) Decimal() (int32, []byte, error) {
	v, err := c.decode(protocol.TypeDecimal)
	return v.Scale, v.Bytes, err
}

// Varint returns the two's complement big-endian bytes of a varint.
func (c Column) Varint() ([]byte, error) {
	v, err := c.decode(protocol.TypeVarint)
	return v.Bytes, err
}

// CopyVarint copies the varint bytes into buf and returns their full length.
func (c Column) CopyVarint(buf []byte) (int, error) {
	if err := c.expect(protocol.TypeVarint); err != nil {
		return 0, err
	}
	return protocol.CopyInto(buf, c.raw), nil
}

// BigInt decodes a varint column.
func (c Column) BigInt() (*big.Int, error) {
	v, err := c.decode(protocol.TypeVarint)
	if err != nil || v.Null {
		return nil, err
	}
	return v.BigInt(), nil
}

func (c Column) Inet() (net.IP, error) {
	v, err := c.decode(protocol.TypeInet)
	if err != nil || v.Null {
		return nil, err
	}
	return v.IP(), nil
}

// Subtype returns the element type of a list or set, or the value type of
// a map.
func (c Column) Subtype() (protocol.TypeInfo, error) {
	if err := c.expect(protocol.TypeList, protocol.TypeSet, protocol.TypeMap); err != nil {
		return protocol.TypeInfo{}, err
	}
	if c.typ.Elem == nil {
		return protocol.TypeInfo{}, protocol.NewError(protocol.KindUnknownType, "collection without element type", nil)
	}
	return *c.typ.Elem, nil
}

func (c Column) MapKeyType() (protocol.TypeInfo, error) {
	if err := c.expect(protocol.TypeMap); err != nil {
		return protocol.TypeInfo{}, err
	}
	if c.typ.Key == nil {
		return protocol.TypeInfo{}, protocol.NewError(protocol.KindUnknownType, "map without key type", nil)
	}
	return *c.typ.Key, nil
}

func (c Column) MapValueType() (protocol.TypeInfo, error) {
	if err := c.expect(protocol.TypeMap); err != nil {
		return protocol.TypeInfo{}, err
	}
	return c.Subtype()
}

// Count returns the number of elements of a list or set, or of entries of
// a map.
func (c Column) Count() (int, error) {
	items, err := c.Items()
	if err != nil {
		return 0, err
	}
	return items.Len(), nil
}

// Items returns an iterator over the elements of a collection column.
func (c Column) Items() (*ItemIterator, error) {
	if err := c.expect(protocol.TypeList, protocol.TypeSet, protocol.TypeMap); err != nil {
		return nil, err
	}
	width := 1
	var keyType protocol.TypeInfo
	if c.typ.Tag == protocol.TypeMap {
		width = 2
		if c.typ.Key == nil {
			return nil, protocol.NewError(protocol.KindUnknownType, "map without key type", nil)
		}
		keyType = *c.typ.Key
	}
	if c.typ.Elem == nil {
		return nil, protocol.NewError(protocol.KindUnknownType, "collection without element type", nil)
	}
	it := &ItemIterator{width: width, keyType: keyType, elemType: *c.typ.Elem, version: c.version, pos: -width}
	if c.raw == nil {
		return it, nil
	}
	elems, err := protocol.CollectionElements(c.raw, c.version, width)
	if err != nil {
		return nil, err
	}
	it.elems = elems
	return it, nil
}

// ItemIterator walks the elements of a list or set, or the entries of a
// map.
type ItemIterator struct {
	elems    [][]byte
	width    int
	keyType  protocol.TypeInfo
	elemType protocol.TypeInfo
	version  byte
	pos      int
}

// Len returns the number of items.
func (it *ItemIterator) Len() int { return len(it.elems) / it.width }

// Next advances to the next item.
func (it *ItemIterator) Next() bool {
	if it.pos+it.width >= len(it.elems) {
		return false
	}
	it.pos += it.width
	return true
}

// Item returns the current element of a list or set.
func (it *ItemIterator) Item() Column {
	return Column{raw: it.elems[it.pos], typ: it.elemType, version: it.version}
}

// Key returns the key of the current map entry.
func (it *ItemIterator) Key() Column {
	return Column{raw: it.elems[it.pos], typ: it.keyType, version: it.version}
}

// Value returns the value of the current map entry.
func (it *ItemIterator) Value() Column {
	return Column{raw: it.elems[it.pos+1], typ: it.elemType, version: it.version}
}
