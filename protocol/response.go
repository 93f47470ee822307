package protocol

import (
	"fmt"
	"net"
)

// Result kinds
const (
	ResultKindVoid         int32 = 0x0001
	ResultKindRows         int32 = 0x0002
	ResultKindSetKeyspace  int32 = 0x0003
	ResultKindPrepared     int32 = 0x0004
	ResultKindSchemaChange int32 = 0x0005
)

// Result metadata flags
const (
	FlagGlobalTableSpec int32 = 0x0001
	FlagHasMorePages    int32 = 0x0002
	FlagNoMetadata      int32 = 0x0004
)

// Ready acknowledges STARTUP.
type Ready struct{}

func (*Ready) Opcode() Opcode                { return OpReady }
func (*Ready) WriteBody(*Writer, byte) error { return nil }

// Authenticate is sent instead of Ready when the server requires
// authentication.
type Authenticate struct {
	Class string
}

func (*Authenticate) Opcode() Opcode { return OpAuthenticate }

func (a *Authenticate) WriteBody(w *Writer, _ byte) error {
	w.PutString(a.Class)
	return nil
}

// Supported answers OPTIONS.
type Supported struct {
	Options map[string][]string
}

func (*Supported) Opcode() Opcode { return OpSupported }

func (s *Supported) WriteBody(w *Writer, _ byte) error {
	w.PutShort(uint16(len(s.Options)))
	for k, v := range s.Options {
		w.PutString(k)
		w.PutStringList(v)
	}
	return nil
}

// ServerError is the decoded body of an ERROR frame.
type ServerError struct {
	Code    ServerErrorCode
	Message string

	// Unavailable, write and read timeouts
	Consistency Consistency
	Required    int32
	Alive       int32
	Received    int32
	BlockFor    int32
	WriteType   string
	DataPresent bool

	// Already exists
	Keyspace string
	Table    string

	// Unprepared
	StatementID []byte
}

func (*ServerError) Opcode() Opcode { return OpError }

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (0x%04x): %s", e.Code, int32(e.Code), e.Message)
}

// AsError converts the server error into the driver error type.
func (e *ServerError) AsError() *Error {
	return &Error{
		Source:  SourceServer,
		Code:    ErrorCode(e.Code),
		Kind:    KindServer,
		Message: e.Message,
		Cause:   e,
	}
}

func (e *ServerError) WriteBody(w *Writer, _ byte) error {
	w.PutInt(int32(e.Code))
	w.PutString(e.Message)
	switch e.Code {
	case ServerErrUnavailable:
		w.PutConsistency(e.Consistency)
		w.PutInt(e.Required)
		w.PutInt(e.Alive)
	case ServerErrWriteTimeout:
		w.PutConsistency(e.Consistency)
		w.PutInt(e.Received)
		w.PutInt(e.BlockFor)
		w.PutString(e.WriteType)
	case ServerErrReadTimeout:
		w.PutConsistency(e.Consistency)
		w.PutInt(e.Received)
		w.PutInt(e.BlockFor)
		if e.DataPresent {
			w.PutByte(1)
		} else {
			w.PutByte(0)
		}
	case ServerErrAlreadyExists:
		w.PutString(e.Keyspace)
		w.PutString(e.Table)
	case ServerErrUnprepared:
		w.PutShortBytes(e.StatementID)
	}
	return nil
}

func readServerError(r *Reader) (*ServerError, error) {
	code, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	e := &ServerError{Code: ServerErrorCode(code)}
	if e.Message, err = r.ReadString(); err != nil {
		return nil, err
	}
	switch e.Code {
	case ServerErrUnavailable:
		if e.Consistency, err = r.ReadConsistency(); err != nil {
			return nil, err
		}
		if e.Required, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if e.Alive, err = r.ReadInt(); err != nil {
			return nil, err
		}
	case ServerErrWriteTimeout:
		if e.Consistency, err = r.ReadConsistency(); err != nil {
			return nil, err
		}
		if e.Received, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if e.BlockFor, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if e.WriteType, err = r.ReadString(); err != nil {
			return nil, err
		}
	case ServerErrReadTimeout:
		if e.Consistency, err = r.ReadConsistency(); err != nil {
			return nil, err
		}
		if e.Received, err = r.ReadInt(); err != nil {
			return nil, err
		}
		if e.BlockFor, err = r.ReadInt(); err != nil {
			return nil, err
		}
		present, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		e.DataPresent = present != 0
	case ServerErrAlreadyExists:
		if e.Keyspace, err = r.ReadString(); err != nil {
			return nil, err
		}
		if e.Table, err = r.ReadString(); err != nil {
			return nil, err
		}
	case ServerErrUnprepared:
		id, err := r.ReadShortBytes()
		if err != nil {
			return nil, err
		}
		e.StatementID = append([]byte{}, id...)
	}
	return e, nil
}

// ColumnSpec describes one result or bind column.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     TypeInfo
}

// ResultMetadata describes the columns of a rows result or the bind
// variables of a prepared statement.
type ResultMetadata struct {
	Flags       int32
	ColumnCount int
	PagingState []byte
	Columns     []ColumnSpec
}

// HasMorePages reports whether the server holds further pages.
func (m ResultMetadata) HasMorePages() bool {
	return m.Flags&FlagHasMorePages != 0
}

func readMetadata(r *Reader) (ResultMetadata, error) {
	var m ResultMetadata
	var err error
	if m.Flags, err = r.ReadInt(); err != nil {
		return m, err
	}
	count, err := r.ReadInt()
	if err != nil {
		return m, err
	}
	if count < 0 {
		return m, malformed("negative column count %d", count)
	}
	m.ColumnCount = int(count)
	if m.Flags&FlagHasMorePages != 0 {
		state, err := r.ReadBytes()
		if err != nil {
			return m, err
		}
		m.PagingState = append([]byte{}, state...)
	}
	if m.Flags&FlagNoMetadata != 0 {
		return m, nil
	}

	var keyspace, table string
	global := m.Flags&FlagGlobalTableSpec != 0
	if global {
		if keyspace, err = r.ReadString(); err != nil {
			return m, err
		}
		if table, err = r.ReadString(); err != nil {
			return m, err
		}
	}
	// Each column spec needs at least a name length and a type id.
	if m.ColumnCount*4 > r.Remaining() {
		return m, malformed("metadata declares %d columns in %d bytes", m.ColumnCount, r.Remaining())
	}
	m.Columns = make([]ColumnSpec, m.ColumnCount)
	for i := range m.Columns {
		col := &m.Columns[i]
		if global {
			col.Keyspace, col.Table = keyspace, table
		} else {
			if col.Keyspace, err = r.ReadString(); err != nil {
				return m, err
			}
			if col.Table, err = r.ReadString(); err != nil {
				return m, err
			}
		}
		if col.Name, err = r.ReadString(); err != nil {
			return m, err
		}
		if col.Type, err = r.ReadTypeInfo(); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (m ResultMetadata) write(w *Writer) error {
	flags := m.Flags
	if len(m.PagingState) > 0 {
		flags |= FlagHasMorePages
	}
	global := len(m.Columns) > 0 && flags&FlagNoMetadata == 0
	for _, c := range m.Columns {
		if c.Keyspace != m.Columns[0].Keyspace || c.Table != m.Columns[0].Table {
			global = false
			break
		}
	}
	if global {
		flags |= FlagGlobalTableSpec
	} else {
		flags &^= FlagGlobalTableSpec
	}
	w.PutInt(flags)
	count := m.ColumnCount
	if len(m.Columns) > 0 {
		count = len(m.Columns)
	}
	w.PutInt(int32(count))
	if flags&FlagHasMorePages != 0 {
		w.PutBytes(m.PagingState)
	}
	if flags&FlagNoMetadata != 0 {
		return nil
	}
	if global {
		w.PutString(m.Columns[0].Keyspace)
		w.PutString(m.Columns[0].Table)
	}
	for _, c := range m.Columns {
		if !global {
			w.PutString(c.Keyspace)
			w.PutString(c.Table)
		}
		w.PutString(c.Name)
		if err := w.PutTypeInfo(c.Type); err != nil {
			return err
		}
	}
	return nil
}

// VoidResult is a RESULT carrying nothing.
type VoidResult struct{}

func (*VoidResult) Opcode() Opcode { return OpResult }

func (*VoidResult) WriteBody(w *Writer, _ byte) error {
	w.PutInt(ResultKindVoid)
	return nil
}

// RowsResult is a RESULT carrying rows. Data holds the serialized rows; cells
// are sliced from it on demand.
type RowsResult struct {
	Metadata ResultMetadata
	RowCount int
	Data     []byte
}

func (*RowsResult) Opcode() Opcode { return OpResult }

func (res *RowsResult) WriteBody(w *Writer, _ byte) error {
	w.PutInt(ResultKindRows)
	if err := res.Metadata.write(w); err != nil {
		return err
	}
	w.PutInt(int32(res.RowCount))
	w.buf = append(w.buf, res.Data...)
	return nil
}

// NewRowsResult serializes rows of raw cells (nil cell means null) into a
// RowsResult.
func NewRowsResult(meta ResultMetadata, rows [][][]byte) *RowsResult {
	w := NewWriter(nil)
	for _, row := range rows {
		for _, cell := range row {
			w.PutBytes(cell)
		}
	}
	if meta.ColumnCount == 0 {
		meta.ColumnCount = len(meta.Columns)
	}
	return &RowsResult{Metadata: meta, RowCount: len(rows), Data: w.Bytes()}
}

// ReadRow slices the next row of columns cells from r.
func ReadRow(r *Reader, columns int, dst [][]byte) ([][]byte, error) {
	dst = dst[:0]
	for i := 0; i < columns; i++ {
		cell, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		dst = append(dst, cell)
	}
	return dst, nil
}

// SetKeyspaceResult answers a USE statement.
type SetKeyspaceResult struct {
	Keyspace string
}

func (*SetKeyspaceResult) Opcode() Opcode { return OpResult }

func (res *SetKeyspaceResult) WriteBody(w *Writer, _ byte) error {
	w.PutInt(ResultKindSetKeyspace)
	w.PutString(res.Keyspace)
	return nil
}

// PreparedResult answers PREPARE.
type PreparedResult struct {
	ID []byte
	// Params describes the bind variables.
	Params ResultMetadata
	// Result describes the rows an execution returns (protocol v2 and later).
	Result ResultMetadata
}

func (*PreparedResult) Opcode() Opcode { return OpResult }

func (res *PreparedResult) WriteBody(w *Writer, version byte) error {
	w.PutInt(ResultKindPrepared)
	w.PutShortBytes(res.ID)
	if err := res.Params.write(w); err != nil {
		return err
	}
	if version >= ProtoVersion2 {
		return res.Result.write(w)
	}
	return nil
}

// SchemaChange describes a schema modification, either as a RESULT or
// inside an EVENT.
type SchemaChange struct {
	Change   string
	Target   string
	Keyspace string
	Name     string
}

func readSchemaChange(r *Reader, version byte) (SchemaChange, error) {
	var sc SchemaChange
	var err error
	if sc.Change, err = r.ReadString(); err != nil {
		return sc, err
	}
	if version < ProtoVersion3 {
		if sc.Keyspace, err = r.ReadString(); err != nil {
			return sc, err
		}
		if sc.Name, err = r.ReadString(); err != nil {
			return sc, err
		}
		if sc.Name == "" {
			sc.Target = "KEYSPACE"
		} else {
			sc.Target = "TABLE"
		}
		return sc, nil
	}
	if sc.Target, err = r.ReadString(); err != nil {
		return sc, err
	}
	if sc.Keyspace, err = r.ReadString(); err != nil {
		return sc, err
	}
	if sc.Target != "KEYSPACE" {
		if sc.Name, err = r.ReadString(); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

func (sc SchemaChange) write(w *Writer, version byte) {
	w.PutString(sc.Change)
	if version < ProtoVersion3 {
		w.PutString(sc.Keyspace)
		w.PutString(sc.Name)
		return
	}
	w.PutString(sc.Target)
	w.PutString(sc.Keyspace)
	if sc.Target != "KEYSPACE" {
		w.PutString(sc.Name)
	}
}

// SchemaChangeResult answers a DDL statement.
type SchemaChangeResult struct {
	SchemaChange
}

func (*SchemaChangeResult) Opcode() Opcode { return OpResult }

func (res *SchemaChangeResult) WriteBody(w *Writer, version byte) error {
	w.PutInt(ResultKindSchemaChange)
	res.SchemaChange.write(w, version)
	return nil
}

// Event is a server push received on EventStream.
type Event struct {
	Type    string
	Change  string
	Address net.IP
	Port    int32
	Schema  SchemaChange
}

func (*Event) Opcode() Opcode { return OpEvent }

func (e *Event) WriteBody(w *Writer, version byte) error {
	w.PutString(e.Type)
	switch e.Type {
	case EventTopologyChange, EventStatusChange:
		w.PutString(e.Change)
		w.PutInet(e.Address, e.Port)
	case EventSchemaChange:
		e.Schema.write(w, version)
	default:
		return NewError(KindProtocolViolation, fmt.Sprintf("unknown event type %q", e.Type), nil)
	}
	return nil
}

func readEvent(r *Reader, version byte) (*Event, error) {
	typ, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	e := &Event{Type: typ}
	switch typ {
	case EventTopologyChange, EventStatusChange:
		if e.Change, err = r.ReadString(); err != nil {
			return nil, err
		}
		if e.Address, e.Port, err = r.ReadInet(); err != nil {
			return nil, err
		}
	case EventSchemaChange:
		if e.Schema, err = readSchemaChange(r, version); err != nil {
			return nil, err
		}
		e.Change = e.Schema.Change
	default:
		return nil, NewError(KindProtocolViolation, fmt.Sprintf("unknown event type %q", typ), nil)
	}
	return e, nil
}

// ParseResponse decodes a response body.
func ParseResponse(op Opcode, body []byte, version byte) (Message, error) {
	r := NewReader(body)
	switch op {
	case OpReady:
		return &Ready{}, nil
	case OpAuthenticate:
		class, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return &Authenticate{Class: class}, nil
	case OpSupported:
		opts, err := r.ReadStringMultimap()
		if err != nil {
			return nil, err
		}
		return &Supported{Options: opts}, nil
	case OpError:
		return readServerError(r)
	case OpResult:
		return readResult(r, version)
	case OpEvent:
		return readEvent(r, version)
	default:
		return nil, NewError(KindProtocolViolation, fmt.Sprintf("unexpected response opcode %s", op), nil)
	}
}

func readResult(r *Reader, version byte) (Message, error) {
	kind, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	switch kind {
	case ResultKindVoid:
		return &VoidResult{}, nil
	case ResultKindRows:
		meta, err := readMetadata(r)
		if err != nil {
			return nil, err
		}
		count, err := r.ReadInt()
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, malformed("negative row count %d", count)
		}
		// Each cell carries at least its 4-byte length.
		if meta.ColumnCount > 0 && int(count) > r.Remaining()/(4*meta.ColumnCount) {
			return nil, malformed("result declares %d rows in %d bytes", count, r.Remaining())
		}
		return &RowsResult{Metadata: meta, RowCount: int(count), Data: r.Rest()}, nil
	case ResultKindSetKeyspace:
		ks, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return &SetKeyspaceResult{Keyspace: ks}, nil
	case ResultKindPrepared:
		id, err := r.ReadShortBytes()
		if err != nil {
			return nil, err
		}
		res := &PreparedResult{ID: append([]byte{}, id...)}
		if res.Params, err = readMetadata(r); err != nil {
			return nil, err
		}
		if version >= ProtoVersion2 {
			if res.Result, err = readMetadata(r); err != nil {
				return nil, err
			}
		}
		return res, nil
	case ResultKindSchemaChange:
		sc, err := readSchemaChange(r, version)
		if err != nil {
			return nil, err
		}
		return &SchemaChangeResult{SchemaChange: sc}, nil
	default:
		return nil, malformed("unknown result kind %d", kind)
	}
}
